// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"time"

	"github.com/bureau-foundation/conmon/lib/codec"
)

// Method names accepted on the control socket.
const (
	MethodVersion                = "version"
	MethodCreateContainer        = "create_container"
	MethodExecSyncContainer      = "exec_sync_container"
	MethodAttachContainer        = "attach_container"
	MethodReopenLogContainer     = "reopen_log_container"
	MethodSetWindowSizeContainer = "set_window_size_container"
	MethodKillContainer          = "kill_container"
	MethodContainerStatus        = "container_status"

	// MethodCancel aborts another in-flight request on the same
	// connection. It is answered like any other method.
	MethodCancel = "cancel"
)

// Request is one frame sent by the client.
type Request struct {
	ID     uint64           `cbor:"id"`
	Method string           `cbor:"method"`
	Params codec.RawMessage `cbor:"params,omitempty"`
}

// Response is one frame sent by the server. Exactly one of Error and
// Data is meaningful, selected by OK.
type Response struct {
	ID    uint64           `cbor:"id"`
	OK    bool             `cbor:"ok"`
	Error *ErrorBody       `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// ErrorBody is the wire form of a failed request.
type ErrorBody struct {
	Code    ErrorCode `cbor:"code"`
	Message string    `cbor:"message"`
}

// VersionResult describes the running supervisor.
type VersionResult struct {
	Version   string `cbor:"version"`
	Tag       string `cbor:"tag"`
	Commit    string `cbor:"commit"`
	BuildDate string `cbor:"build_date"`
	GoVersion string `cbor:"go_version"`
	Platform  string `cbor:"platform"`
	Pid       int    `cbor:"pid"`
}

// LogDriverCRI selects the Kubernetes CRI line format. It is the only
// log driver type; the field exists so the framing can be versioned.
const LogDriverCRI = "cri"

// LogDriver configures one log pipeline for a container.
type LogDriver struct {
	Type string `cbor:"type"`
	Path string `cbor:"path"`

	// MaxSize is the rotation threshold in bytes. Zero disables
	// rotation.
	MaxSize int64 `cbor:"max_size,omitempty"`
}

// CreateContainerParams are the parameters of create_container.
type CreateContainerParams struct {
	ID         string `cbor:"id"`
	BundlePath string `cbor:"bundle_path"`

	// Terminal allocates a pseudo-terminal for the container's init
	// process through the runtime's console socket.
	Terminal bool `cbor:"terminal,omitempty"`

	// Stdin keeps an input pipe open so attach sessions can write to
	// the container. Ignored when Terminal is set (the pty carries
	// input).
	Stdin bool `cbor:"stdin,omitempty"`

	// ExitPaths receive the exit notification when the container
	// exits. OOMExitPaths are written first, and only when the exit
	// was caused by the OOM killer.
	ExitPaths    []string `cbor:"exit_paths,omitempty"`
	OOMExitPaths []string `cbor:"oom_exit_paths,omitempty"`

	LogDrivers []LogDriver `cbor:"log_drivers,omitempty"`

	// CleanupCommand runs after the exit notifications are written.
	// Its failure is logged and otherwise ignored.
	CleanupCommand []string `cbor:"cleanup_cmd,omitempty"`
}

// CreateContainerResult is returned once the container is running.
type CreateContainerResult struct {
	ContainerPid int `cbor:"container_pid"`
}

// ExecSyncContainerParams are the parameters of exec_sync_container.
type ExecSyncContainerParams struct {
	ID string `cbor:"id"`

	// SessionID names the exec session so attach_container can target
	// it while it runs. Derived from the container ID when empty.
	SessionID string `cbor:"session_id,omitempty"`

	// TimeoutSec bounds the command's run time. Zero means no limit.
	TimeoutSec uint64   `cbor:"timeout_sec,omitempty"`
	Command    []string `cbor:"command"`
	Terminal   bool     `cbor:"terminal,omitempty"`
}

// ExecSyncContainerResult carries the command's exit code and captured
// output. On timeout ExitCode is -1 and TimedOut is set.
type ExecSyncContainerResult struct {
	ExitCode int    `cbor:"exit_code"`
	Stdout   []byte `cbor:"stdout"`
	Stderr   []byte `cbor:"stderr"`
	TimedOut bool   `cbor:"timed_out"`
}

// AttachContainerParams are the parameters of attach_container.
type AttachContainerParams struct {
	ID         string `cbor:"id"`
	SocketPath string `cbor:"socket_path"`

	// ExecSessionID attaches to a running exec session of the
	// container instead of the container's primary streams.
	ExecSessionID string `cbor:"exec_session_id,omitempty"`
}

// ReopenLogContainerParams are the parameters of reopen_log_container.
type ReopenLogContainerParams struct {
	ID string `cbor:"id"`
}

// SetWindowSizeContainerParams are the parameters of
// set_window_size_container.
type SetWindowSizeContainerParams struct {
	ID     string `cbor:"id"`
	Width  uint16 `cbor:"width"`
	Height uint16 `cbor:"height"`
}

// KillContainerParams are the parameters of kill_container. Signal
// defaults to SIGTERM. With a non-zero TimeoutSec the call waits for
// the container to exit and escalates to SIGKILL when it does not.
type KillContainerParams struct {
	ID         string `cbor:"id"`
	Signal     int    `cbor:"signal,omitempty"`
	TimeoutSec uint64 `cbor:"timeout_sec,omitempty"`
}

// ContainerStatusParams are the parameters of container_status.
type ContainerStatusParams struct {
	ID string `cbor:"id"`
}

// ContainerStatusResult reports a container's lifecycle state. The
// exit fields are zero until the container has exited.
type ContainerStatusResult struct {
	State    string    `cbor:"state"`
	Pid      int       `cbor:"pid"`
	ExitCode int       `cbor:"exit_code"`
	Signal   int       `cbor:"signal,omitempty"`
	OOM      bool      `cbor:"oom,omitempty"`
	ExitedAt time.Time `cbor:"exited_at,omitempty"`
}

// CancelParams are the parameters of cancel.
type CancelParams struct {
	RequestID uint64 `cbor:"request_id"`
}
