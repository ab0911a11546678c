// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/bureau-foundation/conmon/attach"
	"github.com/bureau-foundation/conmon/lib/config"
	"github.com/bureau-foundation/conmon/lib/ipc"
	"github.com/bureau-foundation/conmon/lib/metrics"
	"github.com/bureau-foundation/conmon/lib/rpc"
	"github.com/bureau-foundation/conmon/lib/testutil"
	"github.com/bureau-foundation/conmon/ociruntime/runtimetest"
	"github.com/bureau-foundation/conmon/supervisor"
)

type testMonitor struct {
	monitor *monitor
	client  *rpc.Client
	config  *config.Config
	bundle  string
	scratch string
}

// startMonitor serves a monitor backed by fake on a fresh socket and
// returns a connected client. Cleanup kills leftover containers and
// waits for their notifications before the reaper stops.
func startMonitor(t *testing.T, fake *runtimetest.Fake) *testMonitor {
	t.Helper()
	processReaper := runtimetest.StartReaper(t)
	fake.Reaper = processReaper

	root := t.TempDir()
	bundle := filepath.Join(root, "bundle")
	if err := os.MkdirAll(bundle, 0o755); err != nil {
		t.Fatal(err)
	}
	bundleConfig := `{
		// Comments are accepted, as runc accepts them.
		"process": {"args": ["sh"]},
		"root": {"path": "rootfs"}
	}`
	if err := os.WriteFile(filepath.Join(bundle, "config.json"), []byte(bundleConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	scratch := filepath.Join(root, "scratch")
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Paths.Socket = filepath.Join(testutil.SocketDir(t), "conmon.sock")
	cfg.Paths.RunDir = filepath.Join(root, "run")
	cfg.Paths.ExitDir = filepath.Join(root, "exits")
	cfg.Exec.DrainTimeout = config.Duration(200 * time.Millisecond)
	cfg.Exec.KillGrace = config.Duration(200 * time.Millisecond)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := newMonitor(cfg, fake, processReaper, logger, metrics.New(nil))
	server := rpc.NewServer(rpc.ServerOptions{
		SocketPath:       cfg.Paths.Socket,
		ConnectionPolicy: cfg.Transport.ConnectionPolicy,
		MaxFrameSize:     cfg.Transport.MaxFrameSize,
		Logger:           logger,
	})
	m.register(server)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(cfg.Paths.Socket); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("control socket %s never appeared", cfg.Paths.Socket)
		}
		time.Sleep(5 * time.Millisecond)
	}
	client, err := rpc.Dial(ctx, cfg.Paths.Socket)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		client.Close()
		cancel()
		if err := testutil.RequireReceive(t, served, 10*time.Second, "Serve returning"); err != nil {
			t.Errorf("Serve: %v", err)
		}
		handles := m.containers.Table().Handles()
		for _, h := range handles {
			if pid := h.Pid(); pid > 0 && h.State() < supervisor.StateExited {
				syscall.Kill(pid, syscall.SIGKILL)
			}
		}
		for _, h := range handles {
			if h.State() >= supervisor.StateRunning {
				testutil.RequireClosed(t, h.Done(), 10*time.Second, "container %s finishing", h.ID())
			}
		}
		shutdownContext, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := m.shutdown(shutdownContext); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})

	return &testMonitor{monitor: m, client: client, config: cfg, bundle: bundle, scratch: scratch}
}

func (e *testMonitor) call(t *testing.T, method string, params, result any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return e.client.Call(ctx, method, params, result)
}

func (e *testMonitor) create(t *testing.T, params ipc.CreateContainerParams) ipc.CreateContainerResult {
	t.Helper()
	if params.BundlePath == "" {
		params.BundlePath = e.bundle
	}
	var result ipc.CreateContainerResult
	if err := e.call(t, ipc.MethodCreateContainer, params, &result); err != nil {
		t.Fatalf("create_container %q: %v", params.ID, err)
	}
	return result
}

// waitForState polls container_status until the container reaches
// state.
func (e *testMonitor) waitForState(t *testing.T, id, state string) ipc.ContainerStatusResult {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		var status ipc.ContainerStatusResult
		if err := e.call(t, ipc.MethodContainerStatus, ipc.ContainerStatusParams{ID: id}, &status); err != nil {
			t.Fatalf("container_status %q: %v", id, err)
		}
		if status.State == state {
			return status
		}
		if time.Now().After(deadline) {
			t.Fatalf("container %q stuck in state %q, want %q", id, status.State, state)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func requireCode(t *testing.T, err error, want ipc.ErrorCode) {
	t.Helper()
	var remote *ipc.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("error = %v, want a remote %s error", err, want)
	}
	if remote.Code != want {
		t.Fatalf("error code = %s (%s), want %s", remote.Code, remote.Message, want)
	}
}

func TestVersionReportsBuildAndPid(t *testing.T) {
	e := startMonitor(t, &runtimetest.Fake{})
	var result ipc.VersionResult
	if err := e.call(t, ipc.MethodVersion, nil, &result); err != nil {
		t.Fatal(err)
	}
	if result.Pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", result.Pid, os.Getpid())
	}
	if result.Version == "" || result.GoVersion == "" {
		t.Errorf("version result missing build fields: %+v", result)
	}
}

func TestCreateContainerWritesLogsAndExitFiles(t *testing.T) {
	e := startMonitor(t, &runtimetest.Fake{
		Command: "echo hello from container; echo oops >&2; exit 2",
	})
	logPath := filepath.Join(e.scratch, "c1.log")
	exitPath := filepath.Join(e.scratch, "c1.exit")

	result := e.create(t, ipc.CreateContainerParams{
		ID:         "c1",
		ExitPaths:  []string{exitPath},
		LogDrivers: []ipc.LogDriver{{Type: ipc.LogDriverCRI, Path: logPath}},
	})
	if result.ContainerPid <= 0 {
		t.Fatalf("container_pid = %d", result.ContainerPid)
	}

	status := e.waitForState(t, "c1", "reaped")
	if status.ExitCode != 2 || status.Signal != 0 || status.OOM {
		t.Errorf("status = %+v, want exit code 2", status)
	}
	if status.ExitedAt.IsZero() {
		t.Error("exited_at not recorded")
	}

	for _, path := range []string{filepath.Join(e.config.Paths.ExitDir, "c1"), exitPath} {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("reading exit file: %v", err)
		}
		if string(data) != "2" {
			t.Errorf("%s = %q, want %q", path, data, "2")
		}
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{" stdout F hello from container\n", " stderr F oops\n"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log missing %q:\n%s", want, data)
		}
	}

	if _, err := os.Stat(filepath.Join(e.config.Paths.RunDir, "c1")); !os.IsNotExist(err) {
		t.Errorf("run directory survived the container: %v", err)
	}
}

func TestExecSyncOverControlSocket(t *testing.T) {
	e := startMonitor(t, &runtimetest.Fake{})
	e.create(t, ipc.CreateContainerParams{ID: "c1"})

	var result ipc.ExecSyncContainerResult
	err := e.call(t, ipc.MethodExecSyncContainer, ipc.ExecSyncContainerParams{
		ID:         "c1",
		TimeoutSec: 10,
		Command:    []string{"sh", "-c", "echo out; echo err >&2; exit 4"},
	}, &result)
	if err != nil {
		t.Fatal(err)
	}
	if result.ExitCode != 4 || result.TimedOut {
		t.Errorf("exit_code = %d timed_out = %v, want 4 false", result.ExitCode, result.TimedOut)
	}
	if string(result.Stdout) != "out\n" || string(result.Stderr) != "err\n" {
		t.Errorf("stdout = %q stderr = %q", result.Stdout, result.Stderr)
	}

	started := time.Now()
	err = e.call(t, ipc.MethodExecSyncContainer, ipc.ExecSyncContainerParams{
		ID:         "c1",
		TimeoutSec: 1,
		Command:    []string{"sleep", "30"},
	}, &result)
	if err != nil {
		t.Fatal(err)
	}
	if !result.TimedOut || result.ExitCode != -1 {
		t.Errorf("timed out exec = %+v, want timed_out with exit code -1", result)
	}
	if elapsed := time.Since(started); elapsed > 10*time.Second {
		t.Errorf("timed out exec took %v", elapsed)
	}
}

func TestKillContainerRecordsSignal(t *testing.T) {
	e := startMonitor(t, &runtimetest.Fake{})
	e.create(t, ipc.CreateContainerParams{ID: "c1"})

	if err := e.call(t, ipc.MethodKillContainer, ipc.KillContainerParams{ID: "c1", Signal: int(syscall.SIGKILL), TimeoutSec: 5}, nil); err != nil {
		t.Fatal(err)
	}
	status := e.waitForState(t, "c1", "reaped")
	if status.Signal != int(syscall.SIGKILL) {
		t.Errorf("signal = %d, want %d", status.Signal, syscall.SIGKILL)
	}

	err := e.call(t, ipc.MethodKillContainer, ipc.KillContainerParams{ID: "c1"}, nil)
	requireCode(t, err, ipc.CodeNotFound)
}

func TestAttachOverControlSocket(t *testing.T) {
	e := startMonitor(t, &runtimetest.Fake{Command: "read line; echo got $line"})
	e.create(t, ipc.CreateContainerParams{ID: "c1", Stdin: true})

	socketPath := filepath.Join(testutil.SocketDir(t), "attach", "c1.sock")
	if err := e.call(t, ipc.MethodAttachContainer, ipc.AttachContainerParams{ID: "c1", SocketPath: socketPath}, nil); err != nil {
		t.Fatal(err)
	}
	connection, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("connecting to attach socket: %v", err)
	}
	defer connection.Close()

	if err := attach.WriteMessage(connection, attach.Message{Type: attach.MessageTypeStdin, Payload: []byte("ping\n")}); err != nil {
		t.Fatal(err)
	}
	connection.SetReadDeadline(time.Now().Add(10 * time.Second))
	var output strings.Builder
	for !strings.Contains(output.String(), "got ping\n") {
		message, err := attach.ReadMessage(connection)
		if err != nil {
			t.Fatalf("reading attach output (%q so far): %v", output.String(), err)
		}
		if message.Type == attach.MessageTypeStdout {
			output.Write(message.Payload)
		}
	}
	e.waitForState(t, "c1", "reaped")
}

func TestRequestErrors(t *testing.T) {
	e := startMonitor(t, &runtimetest.Fake{})
	e.create(t, ipc.CreateContainerParams{ID: "running"})

	tests := []struct {
		name   string
		method string
		params any
		want   ipc.ErrorCode
	}{
		{"duplicate id", ipc.MethodCreateContainer, ipc.CreateContainerParams{ID: "running", BundlePath: e.bundle}, ipc.CodeDuplicateID},
		{"missing bundle", ipc.MethodCreateContainer, ipc.CreateContainerParams{ID: "other", BundlePath: filepath.Join(e.scratch, "absent")}, ipc.CodeBundleError},
		{"malformed params", ipc.MethodCreateContainer, map[string]any{"id": 5}, ipc.CodeProtocolError},
		{"empty exec command", ipc.MethodExecSyncContainer, ipc.ExecSyncContainerParams{ID: "running"}, ipc.CodeProtocolError},
		{"exec in unknown container", ipc.MethodExecSyncContainer, ipc.ExecSyncContainerParams{ID: "ghost", Command: []string{"true"}}, ipc.CodeNotFound},
		{"attach to unknown container", ipc.MethodAttachContainer, ipc.AttachContainerParams{ID: "ghost", SocketPath: filepath.Join(e.scratch, "ghost.sock")}, ipc.CodeNotFound},
		{"attach without socket path", ipc.MethodAttachContainer, ipc.AttachContainerParams{ID: "running"}, ipc.CodeProtocolError},
		{"reopen unknown container", ipc.MethodReopenLogContainer, ipc.ReopenLogContainerParams{ID: "ghost"}, ipc.CodeNotFound},
		{"resize without terminal", ipc.MethodSetWindowSizeContainer, ipc.SetWindowSizeContainerParams{ID: "running", Width: 80, Height: 24}, ipc.CodeNoTerminal},
		{"signal out of range", ipc.MethodKillContainer, ipc.KillContainerParams{ID: "running", Signal: 99}, ipc.CodeProtocolError},
		{"exec timeout beyond duration range", ipc.MethodExecSyncContainer, ipc.ExecSyncContainerParams{ID: "running", TimeoutSec: 18446744074, Command: []string{"true"}}, ipc.CodeProtocolError},
		{"kill timeout beyond duration range", ipc.MethodKillContainer, ipc.KillContainerParams{ID: "running", Signal: int(syscall.SIGTERM), TimeoutSec: math.MaxUint64}, ipc.CodeProtocolError},
		{"status of unknown container", ipc.MethodContainerStatus, ipc.ContainerStatusParams{ID: "ghost"}, ipc.CodeNotFound},
		{"unknown method", "pause_container", nil, ipc.CodeProtocolError},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := e.call(t, test.method, test.params, nil)
			requireCode(t, err, test.want)
		})
	}

	if _, err := os.Stat(filepath.Join(e.scratch, "ghost.sock")); !os.IsNotExist(err) {
		t.Errorf("attach to an unknown container left a socket: %v", err)
	}
	e.waitForState(t, "running", "running")
}

func TestTimeoutDuration(t *testing.T) {
	tests := []struct {
		seconds uint64
		want    time.Duration
		invalid bool
	}{
		{seconds: 0, want: 0},
		{seconds: 5, want: 5 * time.Second},
		{seconds: maxTimeoutSec, want: time.Duration(maxTimeoutSec) * time.Second},
		{seconds: maxTimeoutSec + 1, invalid: true},
		{seconds: 18446744074, invalid: true},
		{seconds: math.MaxUint64, invalid: true},
	}
	for _, test := range tests {
		got, err := timeoutDuration(test.seconds)
		if test.invalid {
			if !ipc.IsCode(err, ipc.CodeProtocolError) {
				t.Errorf("timeoutDuration(%d) = %v, %v; want protocol_error", test.seconds, got, err)
			}
			continue
		}
		if err != nil || got != test.want {
			t.Errorf("timeoutDuration(%d) = %v, %v; want %v", test.seconds, got, err, test.want)
		}
		if got < 0 {
			t.Errorf("timeoutDuration(%d) is negative: %v", test.seconds, got)
		}
	}
}
