// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package attach

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/bureau-foundation/conmon/execsession"
	"github.com/bureau-foundation/conmon/lib/ipc"
	"github.com/bureau-foundation/conmon/lib/testutil"
	"github.com/bureau-foundation/conmon/ociruntime/runtimetest"
	"github.com/bureau-foundation/conmon/supervisor"
)

type testEnvironment struct {
	containers *supervisor.Supervisor
	exec       *execsession.Manager
	attach     *Manager
	bundle     string
	sockets    string
}

func newTestEnvironment(t *testing.T, fake *runtimetest.Fake) *testEnvironment {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reaper := runtimetest.StartReaper(t)
	fake.Reaper = reaper

	root := t.TempDir()
	bundle := filepath.Join(root, "bundle")
	if err := os.MkdirAll(bundle, 0o755); err != nil {
		t.Fatal(err)
	}
	config := `{"process": {"args": ["sh"]}, "root": {"path": "rootfs"}}`
	if err := os.WriteFile(filepath.Join(bundle, "config.json"), []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}

	containers := supervisor.New(supervisor.Options{
		Runtime:      fake,
		Reaper:       reaper,
		RunDir:       filepath.Join(root, "run"),
		ExitDir:      filepath.Join(root, "exits"),
		DrainTimeout: 200 * time.Millisecond,
		Logger:       logger,
	})
	exec := execsession.New(execsession.Options{
		Runtime:    fake,
		Containers: containers,
		RunDir:     filepath.Join(root, "run"),
		Logger:     logger,
	})
	manager := New(Options{Containers: containers, Exec: exec, Logger: logger})

	t.Cleanup(func() {
		manager.Close()
		for _, h := range containers.Table().Handles() {
			if h.State() < supervisor.StateExited {
				syscall.Kill(h.Pid(), syscall.SIGKILL)
			}
			<-h.Done()
		}
	})
	return &testEnvironment{
		containers: containers,
		exec:       exec,
		attach:     manager,
		bundle:     bundle,
		sockets:    testutil.SocketDir(t),
	}
}

func (e *testEnvironment) create(t *testing.T, id string, terminal, stdin bool) *supervisor.Handle {
	t.Helper()
	h, err := e.containers.Create(context.Background(), ipc.CreateContainerParams{
		ID:         id,
		BundlePath: e.bundle,
		Terminal:   terminal,
		Stdin:      stdin,
	})
	if err != nil {
		t.Fatalf("Create(%q): %v", id, err)
	}
	return h
}

func dial(t *testing.T, path string) net.Conn {
	t.Helper()
	connection, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("connecting to attach socket: %v", err)
	}
	t.Cleanup(func() { connection.Close() })
	return connection
}

// readUntil collects output messages until every wanted string has
// appeared in its stream.
func readUntil(t *testing.T, connection net.Conn, stdout, stderr string) (string, string) {
	t.Helper()
	connection.SetReadDeadline(time.Now().Add(10 * time.Second))
	var out, errOut bytes.Buffer
	for !strings.Contains(out.String(), stdout) || !strings.Contains(errOut.String(), stderr) {
		message, err := ReadMessage(connection)
		if err != nil {
			t.Fatalf("reading attach output (stdout %q, stderr %q so far): %v", out.String(), errOut.String(), err)
		}
		switch message.Type {
		case MessageTypeStdout:
			out.Write(message.Payload)
		case MessageTypeStderr:
			errOut.Write(message.Payload)
		default:
			t.Fatalf("unexpected message type %#x from server", message.Type)
		}
	}
	return out.String(), errOut.String()
}

func waitForSessions(t *testing.T, manager *Manager, want int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for manager.ActiveSessions() != want {
		if time.Now().After(deadline) {
			t.Fatalf("ActiveSessions() = %d, want %d", manager.ActiveSessions(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAttachUnknownContainerCreatesNoSocket(t *testing.T) {
	environment := newTestEnvironment(t, &runtimetest.Fake{})
	socketPath := filepath.Join(environment.sockets, "attach.sock")

	err := environment.attach.Attach(context.Background(), "absent", socketPath, "")
	if !ipc.IsCode(err, ipc.CodeNotFound) {
		t.Errorf("Attach error = %v, want not_found", err)
	}
	err = environment.attach.Attach(context.Background(), "absent", socketPath, "absent.exec.1")
	if !ipc.IsCode(err, ipc.CodeNotFound) {
		t.Errorf("Attach to exec session error = %v, want not_found", err)
	}
	if _, err := os.Stat(socketPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket exists after a failed attach (stat error %v)", err)
	}
}

func TestAttachRelaysStreams(t *testing.T) {
	environment := newTestEnvironment(t, &runtimetest.Fake{
		Command: `read line; echo "got $line"; echo warning >&2; exit 0`,
	})
	h := environment.create(t, "web", false, true)
	socketPath := filepath.Join(environment.sockets, "nested", "web.sock")

	if err := environment.attach.Attach(context.Background(), "web", socketPath, ""); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("attach socket missing after ack: %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Errorf("socket mode = %v, want 0700", info.Mode().Perm())
	}

	connection := dial(t, socketPath)
	if err := WriteMessage(connection, Message{Type: MessageTypeStdin, Payload: []byte("hello\n")}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	readUntil(t, connection, "got hello", "warning")

	if _, err := os.Stat(socketPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket still exists after the client connected (stat error %v)", err)
	}

	testutil.RequireClosed(t, h.Done(), 10*time.Second, "container teardown")
	waitForSessions(t, environment.attach, 0)
}

func TestAttachResizeAppliesBeforeLaterInput(t *testing.T) {
	environment := newTestEnvironment(t, &runtimetest.Fake{Command: "read line; stty size"})
	environment.create(t, "tty", true, false)
	socketPath := filepath.Join(environment.sockets, "tty.sock")

	if err := environment.attach.Attach(context.Background(), "tty", socketPath, ""); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	connection := dial(t, socketPath)
	if err := WriteMessage(connection, NewResizeMessage(100, 30)); err != nil {
		t.Fatal(err)
	}
	if err := WriteMessage(connection, Message{Type: MessageTypeStdin, Payload: []byte("x\n")}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, connection, "30 100", "")
}

func TestAttachToExecSession(t *testing.T) {
	environment := newTestEnvironment(t, &runtimetest.Fake{})
	environment.create(t, "c1", false, false)

	results := make(chan execsession.Result, 1)
	go func() {
		result, err := environment.exec.ExecSync(context.Background(), execsession.Request{
			ContainerID: "c1",
			SessionID:   "debug",
			Command:     []string{"/bin/sh", "-c", `read line; echo "exec saw $line"`},
			Terminal:    true,
			Timeout:     20 * time.Second,
		})
		if err != nil {
			t.Errorf("ExecSync: %v", err)
		}
		results <- result
	}()

	socketPath := filepath.Join(environment.sockets, "exec.sock")
	deadline := time.Now().Add(10 * time.Second)
	for {
		err := environment.attach.Attach(context.Background(), "c1", socketPath, "debug")
		if err == nil {
			break
		}
		if !ipc.IsCode(err, ipc.CodeNotFound) || time.Now().After(deadline) {
			t.Fatalf("Attach: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	connection := dial(t, socketPath)
	if err := WriteMessage(connection, Message{Type: MessageTypeStdin, Payload: []byte("ping\n")}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, connection, "exec saw ping", "")

	result := testutil.RequireReceive(t, results, 20*time.Second, "exec result")
	if result.ExitCode != 0 || !strings.Contains(string(result.Stdout), "exec saw ping") {
		t.Errorf("exec result = %+v", result)
	}
	waitForSessions(t, environment.attach, 0)
}

func TestAttachEndsWhenContainerExitsBeforeConnect(t *testing.T) {
	environment := newTestEnvironment(t, &runtimetest.Fake{})
	h := environment.create(t, "short", false, false)
	socketPath := filepath.Join(environment.sockets, "short.sock")

	if err := environment.attach.Attach(context.Background(), "short", socketPath, ""); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	syscall.Kill(h.Pid(), syscall.SIGKILL)
	testutil.RequireClosed(t, h.Done(), 10*time.Second, "container teardown")

	waitForSessions(t, environment.attach, 0)
	if _, err := os.Stat(socketPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket survived the container (stat error %v)", err)
	}
}

func TestCloseEndsConnectedSessions(t *testing.T) {
	environment := newTestEnvironment(t, &runtimetest.Fake{})
	environment.create(t, "idle", false, false)
	socketPath := filepath.Join(environment.sockets, "idle.sock")

	if err := environment.attach.Attach(context.Background(), "idle", socketPath, ""); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	connection := dial(t, socketPath)

	// Wait for the session to subscribe before closing.
	relay := func() int {
		h, err := environment.containers.Running("idle")
		if err != nil {
			t.Fatalf("Running: %v", err)
		}
		return h.Relay().SubscriberCount()
	}
	deadline := time.Now().Add(10 * time.Second)
	for relay() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("attach session never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	environment.attach.Close()
	if environment.attach.ActiveSessions() != 0 {
		t.Errorf("ActiveSessions() = %d after Close", environment.attach.ActiveSessions())
	}
	connection.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := ReadMessage(connection); !errors.Is(err, io.EOF) {
		t.Errorf("ReadMessage after Close = %v, want io.EOF", err)
	}
	if err := environment.attach.Attach(context.Background(), "idle", socketPath, ""); err == nil {
		t.Error("Attach succeeded after Close")
	}
	if relay() != 0 {
		t.Error("closed session left its subscription behind")
	}
}

func TestAttachKeepsStreamingAfterClientHalfClose(t *testing.T) {
	environment := newTestEnvironment(t, &runtimetest.Fake{
		Command: "while true; do echo tick; sleep 0.1; done",
	})
	environment.create(t, "ticker", false, true)
	socketPath := filepath.Join(environment.sockets, "ticker.sock")

	if err := environment.attach.Attach(context.Background(), "ticker", socketPath, ""); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	connection := dial(t, socketPath)
	readUntil(t, connection, "tick", "")

	if err := connection.(*net.UnixConn).CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}

	// Output produced well after the half-close must still arrive.
	connection.SetReadDeadline(time.Now().Add(10 * time.Second))
	for received := 0; received < 5; {
		message, err := ReadMessage(connection)
		if err != nil {
			t.Fatalf("output stopped after %d messages following CloseWrite: %v", received, err)
		}
		if message.Type == MessageTypeStdout {
			received++
		}
	}
	if active := environment.attach.ActiveSessions(); active != 1 {
		t.Errorf("ActiveSessions() = %d after half-close, want 1", active)
	}
}

func TestAttachEndsWhenClientDisconnects(t *testing.T) {
	environment := newTestEnvironment(t, &runtimetest.Fake{})
	h := environment.create(t, "quiet", false, false)
	socketPath := filepath.Join(environment.sockets, "quiet.sock")

	if err := environment.attach.Attach(context.Background(), "quiet", socketPath, ""); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	connection, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("connecting to attach socket: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for h.Relay().SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("attach session never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	connection.Close()
	waitForSessions(t, environment.attach, 0)
	if count := h.Relay().SubscriberCount(); count != 0 {
		t.Errorf("SubscriberCount() = %d after disconnect, want 0", count)
	}
}
