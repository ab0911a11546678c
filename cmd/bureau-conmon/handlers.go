// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"math"
	"os"
	"syscall"
	"time"

	"github.com/bureau-foundation/conmon/attach"
	"github.com/bureau-foundation/conmon/execsession"
	"github.com/bureau-foundation/conmon/lib/codec"
	"github.com/bureau-foundation/conmon/lib/config"
	"github.com/bureau-foundation/conmon/lib/ipc"
	"github.com/bureau-foundation/conmon/lib/metrics"
	"github.com/bureau-foundation/conmon/lib/rpc"
	"github.com/bureau-foundation/conmon/lib/version"
	"github.com/bureau-foundation/conmon/supervisor"
)

// maxSignal is the highest signal number Linux accepts (SIGRTMAX).
const maxSignal = 64

// maxTimeoutSec is the largest timeout_sec a time.Duration can hold.
const maxTimeoutSec = uint64(math.MaxInt64 / int64(time.Second))

// containerRuntime is everything the monitor needs from the OCI
// runtime. *ociruntime.Runtime implements it, as does the test fake.
type containerRuntime interface {
	supervisor.Runtime
	execsession.Runtime
}

// monitor owns the container, exec, and attach managers and exposes
// them as RPC handlers. The managers carry their own locking; monitor
// itself holds no mutable state.
type monitor struct {
	containers *supervisor.Supervisor
	execs      *execsession.Manager
	attaches   *attach.Manager
	logger     *slog.Logger
}

func newMonitor(cfg *config.Config, runtime containerRuntime, processReaper supervisor.ProcessReaper, logger *slog.Logger, monitorMetrics *metrics.Metrics) *monitor {
	containers := supervisor.New(supervisor.Options{
		Runtime:        runtime,
		Reaper:         processReaper,
		RunDir:         cfg.Paths.RunDir,
		ExitDir:        cfg.Paths.ExitDir,
		LogRuntime:     cfg.Runtime.LogRuntime,
		ExitContent:    cfg.Notify.ExitContent,
		ReadBufferSize: cfg.Relay.ReadBufferSize,
		LogQueueDepth:  cfg.Relay.LogQueueDepth,
		DrainTimeout:   cfg.Exec.DrainTimeout.Std(),
		KillGrace:      cfg.Exec.KillGrace.Std(),
		Logger:         logger.With("component", "supervisor"),
		Metrics:        monitorMetrics,
	})
	execs := execsession.New(execsession.Options{
		Runtime:        runtime,
		Containers:     containers,
		RunDir:         cfg.Paths.RunDir,
		OutputLimit:    cfg.Exec.OutputLimit,
		KillGrace:      cfg.Exec.KillGrace.Std(),
		DrainTimeout:   cfg.Exec.DrainTimeout.Std(),
		ReadBufferSize: cfg.Relay.ReadBufferSize,
		Logger:         logger.With("component", "exec"),
		Metrics:        monitorMetrics,
	})
	attaches := attach.New(attach.Options{
		Containers: containers,
		Exec:       execs,
		QueueDepth: cfg.Relay.AttachQueueDepth,
		Logger:     logger.With("component", "attach"),
		Metrics:    monitorMetrics,
	})
	return &monitor{
		containers: containers,
		execs:      execs,
		attaches:   attaches,
		logger:     logger,
	}
}

// register installs every method on server.
func (m *monitor) register(server *rpc.Server) {
	server.Handle(ipc.MethodVersion, m.handleVersion)
	server.Handle(ipc.MethodCreateContainer, withParams(m.handleCreateContainer))
	server.Handle(ipc.MethodExecSyncContainer, withParams(m.handleExecSyncContainer))
	server.Handle(ipc.MethodAttachContainer, withParams(m.handleAttachContainer))
	server.Handle(ipc.MethodReopenLogContainer, withParams(m.handleReopenLogContainer))
	server.Handle(ipc.MethodSetWindowSizeContainer, withParams(m.handleSetWindowSizeContainer))
	server.Handle(ipc.MethodKillContainer, withParams(m.handleKillContainer))
	server.Handle(ipc.MethodContainerStatus, withParams(m.handleContainerStatus))
}

// shutdown ends attach sessions and waits for exiting containers to
// finish their notifications. Running containers are left running.
func (m *monitor) shutdown(ctx context.Context) error {
	if active := m.attaches.ActiveSessions(); active > 0 {
		m.logger.Info("closing attach sessions", "active", active)
	}
	m.attaches.Close()
	return m.containers.Shutdown(ctx)
}

// withParams decodes the request parameters into P before calling
// handler. Absent parameters decode as the zero value.
func withParams[P any](handler func(context.Context, P) (any, error)) rpc.HandlerFunc {
	return func(ctx context.Context, raw codec.RawMessage) (any, error) {
		var params P
		if len(raw) > 0 {
			if err := codec.Unmarshal(raw, &params); err != nil {
				return nil, ipc.Errorf(ipc.CodeProtocolError, "decoding params: %v", err)
			}
		}
		return handler(ctx, params)
	}
}

func (m *monitor) handleVersion(ctx context.Context, _ codec.RawMessage) (any, error) {
	build := version.Current()
	return ipc.VersionResult{
		Version:   build.Version,
		Tag:       build.Tag,
		Commit:    build.Commit,
		BuildDate: build.BuildDate,
		GoVersion: build.GoVersion,
		Platform:  build.Platform,
		Pid:       os.Getpid(),
	}, nil
}

func (m *monitor) handleCreateContainer(ctx context.Context, params ipc.CreateContainerParams) (any, error) {
	handle, err := m.containers.Create(ctx, params)
	if err != nil {
		return nil, err
	}
	return ipc.CreateContainerResult{ContainerPid: handle.Pid()}, nil
}

// timeoutDuration converts a timeout_sec parameter, rejecting values
// that do not fit a time.Duration.
func timeoutDuration(seconds uint64) (time.Duration, error) {
	if seconds > maxTimeoutSec {
		return 0, ipc.Errorf(ipc.CodeProtocolError, "timeout_sec %d exceeds the maximum of %d", seconds, maxTimeoutSec)
	}
	return time.Duration(seconds) * time.Second, nil
}

func (m *monitor) handleExecSyncContainer(ctx context.Context, params ipc.ExecSyncContainerParams) (any, error) {
	timeout, err := timeoutDuration(params.TimeoutSec)
	if err != nil {
		return nil, err
	}
	result, err := m.execs.ExecSync(ctx, execsession.Request{
		ContainerID: params.ID,
		SessionID:   params.SessionID,
		Command:     params.Command,
		Timeout:     timeout,
		Terminal:    params.Terminal,
	})
	if err != nil {
		return nil, err
	}
	return ipc.ExecSyncContainerResult{
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		TimedOut: result.TimedOut,
	}, nil
}

func (m *monitor) handleAttachContainer(ctx context.Context, params ipc.AttachContainerParams) (any, error) {
	if params.SocketPath == "" {
		return nil, ipc.Errorf(ipc.CodeProtocolError, "socket_path is required")
	}
	if err := m.attaches.Attach(ctx, params.ID, params.SocketPath, params.ExecSessionID); err != nil {
		return nil, err
	}
	return nil, nil
}

func (m *monitor) handleReopenLogContainer(ctx context.Context, params ipc.ReopenLogContainerParams) (any, error) {
	return nil, m.containers.ReopenLog(params.ID)
}

func (m *monitor) handleSetWindowSizeContainer(ctx context.Context, params ipc.SetWindowSizeContainerParams) (any, error) {
	return nil, m.containers.SetWindowSize(params.ID, params.Width, params.Height)
}

func (m *monitor) handleKillContainer(ctx context.Context, params ipc.KillContainerParams) (any, error) {
	if params.Signal < 0 || params.Signal > maxSignal {
		return nil, ipc.Errorf(ipc.CodeProtocolError, "signal %d out of range", params.Signal)
	}
	timeout, err := timeoutDuration(params.TimeoutSec)
	if err != nil {
		return nil, err
	}
	return nil, m.containers.Kill(ctx, params.ID, syscall.Signal(params.Signal), timeout)
}

func (m *monitor) handleContainerStatus(ctx context.Context, params ipc.ContainerStatusParams) (any, error) {
	status, err := m.containers.Status(params.ID)
	if err != nil {
		return nil, err
	}
	return status, nil
}
