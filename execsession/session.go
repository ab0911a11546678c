// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package execsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/conmon/lib/clock"
	"github.com/bureau-foundation/conmon/lib/ipc"
	"github.com/bureau-foundation/conmon/lib/metrics"
	"github.com/bureau-foundation/conmon/lib/ringbuffer"
	"github.com/bureau-foundation/conmon/lib/terminal"
	"github.com/bureau-foundation/conmon/ociruntime"
	"github.com/bureau-foundation/conmon/relay"
	"github.com/bureau-foundation/conmon/supervisor"
)

// ExitCodeTimeout is reported when the command was killed for
// exceeding its timeout.
const ExitCodeTimeout = -1

// consoleTimeout bounds the wait for the runtime to send an exec's pty
// master.
const consoleTimeout = 10 * time.Second

// captureQueueDepth is the relay queue of the capture subscriber.
const captureQueueDepth = 1024

// Runtime runs exec processes. *ociruntime.Runtime implements it.
type Runtime interface {
	Exec(ctx context.Context, options ociruntime.ExecOptions) (*ociruntime.Process, error)
}

// Containers resolves running containers. *supervisor.Supervisor
// implements it.
type Containers interface {
	Running(id string) (*supervisor.Handle, error)
}

// Options configures a Manager.
type Options struct {
	Runtime    Runtime
	Containers Containers

	// RunDir holds per-session pid files and console sockets.
	RunDir string

	// OutputLimit caps each captured stream in bytes.
	OutputLimit int

	KillGrace    time.Duration
	DrainTimeout time.Duration

	ReadBufferSize int

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Request is one exec_sync_container call.
type Request struct {
	ContainerID string

	// SessionID names the session for attach. Derived as
	// "<container>.exec.<n>" when empty.
	SessionID string

	Command  []string
	Timeout  time.Duration
	Terminal bool
}

// Result is the outcome of an exec.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	TimedOut bool
}

// Session is a running exec, visible to attach.
type Session struct {
	id          string
	containerID string
	relay       *relay.Relay
	done        chan struct{}
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// ContainerID returns the container the session runs in.
func (s *Session) ContainerID() string { return s.containerID }

// Relay returns the session's output relay.
func (s *Session) Relay() *relay.Relay { return s.relay }

// Done is closed when the exec has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Manager runs exec sessions.
type Manager struct {
	options Options

	mu       sync.Mutex
	sessions map[string]*Session
	counters map[string]uint64
}

// New returns a Manager.
func New(options Options) *Manager {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.OutputLimit <= 0 {
		options.OutputLimit = 4 << 20
	}
	if options.KillGrace <= 0 {
		options.KillGrace = 5 * time.Second
	}
	if options.DrainTimeout <= 0 {
		options.DrainTimeout = 2 * time.Second
	}
	return &Manager{
		options:  options,
		sessions: make(map[string]*Session),
		counters: make(map[string]uint64),
	}
}

// Lookup returns the running session sessionID of containerID.
func (m *Manager) Lookup(containerID, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok || session.containerID != containerID || session.relay == nil {
		return nil, ipc.Errorf(ipc.CodeNotFound, "exec session %q of container %q not found", sessionID, containerID)
	}
	return session, nil
}

// reserve claims the session ID, deriving one when id is empty. The
// session is invisible to Lookup until publish gives it a relay.
func (m *Manager) reserve(containerID, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		for {
			m.counters[containerID]++
			id = fmt.Sprintf("%s.exec.%d", containerID, m.counters[containerID])
			if _, taken := m.sessions[id]; !taken {
				break
			}
		}
	} else if _, taken := m.sessions[id]; taken {
		return nil, ipc.Errorf(ipc.CodeDuplicateID, "exec session %q is already running", id)
	}
	session := &Session{id: id, containerID: containerID, done: make(chan struct{})}
	m.sessions[id] = session
	return session, nil
}

func (m *Manager) publish(session *Session, r *relay.Relay) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session.relay = r
}

func (m *Manager) unregister(session *Session) {
	m.mu.Lock()
	delete(m.sessions, session.id)
	m.mu.Unlock()
	close(session.done)
}

// execStdio is the supervisor's side of an exec's streams.
type execStdio struct {
	console                 *terminal.ConsoleSocket
	stdoutRead, stdoutWrite *os.File
	stderrRead, stderrWrite *os.File
}

func (s *execStdio) closeChildEnds() {
	for _, file := range []*os.File{s.stdoutWrite, s.stderrWrite} {
		if file != nil {
			file.Close()
		}
	}
	s.stdoutWrite, s.stderrWrite = nil, nil
}

func (s *execStdio) close() {
	s.closeChildEnds()
	for _, file := range []*os.File{s.stdoutRead, s.stderrRead} {
		if file != nil {
			file.Close()
		}
	}
	if s.console != nil {
		s.console.Close()
	}
}

// ExecSync runs request.Command in the container and waits for it.
func (m *Manager) ExecSync(ctx context.Context, request Request) (Result, error) {
	if len(request.Command) == 0 {
		return Result{}, ipc.Errorf(ipc.CodeProtocolError, "exec command is empty")
	}
	if strings.ContainsAny(request.SessionID, "/\x00") || request.SessionID == "." || request.SessionID == ".." {
		return Result{}, ipc.Errorf(ipc.CodeProtocolError, "exec session id %q is not a valid file name", request.SessionID)
	}
	if _, err := m.options.Containers.Running(request.ContainerID); err != nil {
		return Result{}, err
	}

	started := m.options.Clock.Now()
	result, outcome, err := m.run(ctx, request)
	if err != nil {
		outcome = "error"
	}
	m.options.Metrics.ExecCompleted(outcome, m.options.Clock.Now().Sub(started))
	return result, err
}

func (m *Manager) run(ctx context.Context, request Request) (Result, string, error) {
	session, err := m.reserve(request.ContainerID, request.SessionID)
	if err != nil {
		return Result{}, "", err
	}
	defer m.unregister(session)
	logger := m.options.Logger.With("container", request.ContainerID, "exec_session", session.id)

	sessionDir := filepath.Join(m.options.RunDir, "exec", session.id)
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return Result{}, "", ipc.Errorf(ipc.CodeIOError, "creating exec directory: %w", err)
	}
	defer os.RemoveAll(sessionDir)

	streams := &execStdio{}
	defer streams.close()

	execOptions := ociruntime.ExecOptions{
		ID:      request.ContainerID,
		Args:    request.Command,
		PidFile: filepath.Join(sessionDir, "pidfile"),
	}
	if request.Terminal {
		console, err := terminal.ListenConsole(filepath.Join(sessionDir, "console.sock"))
		if err != nil {
			return Result{}, "", ipc.Wrap(ipc.CodeIOError, err)
		}
		streams.console = console
		execOptions.ConsoleSocket = console.Path()
	} else {
		if streams.stdoutRead, streams.stdoutWrite, err = os.Pipe(); err != nil {
			return Result{}, "", ipc.Errorf(ipc.CodeIOError, "creating stdout pipe: %w", err)
		}
		if streams.stderrRead, streams.stderrWrite, err = os.Pipe(); err != nil {
			return Result{}, "", ipc.Errorf(ipc.CodeIOError, "creating stderr pipe: %w", err)
		}
		execOptions.Stdout, execOptions.Stderr = streams.stdoutWrite, streams.stderrWrite
	}

	logger.Debug("starting exec", "command", request.Command, "terminal", request.Terminal, "timeout", request.Timeout)
	process, err := m.options.Runtime.Exec(ctx, execOptions)
	streams.closeChildEnds()
	if err != nil {
		if ipc.CodeOf(err) == ipc.CodeInternalError {
			err = ipc.Wrap(ipc.CodeSpawnError, err)
		}
		return Result{}, "", err
	}

	relayOptions := relay.Options{
		Kind:           "exec",
		ReadBufferSize: m.options.ReadBufferSize,
		Logger:         logger,
		Metrics:        m.options.Metrics,
	}
	var sources []relay.Source
	if streams.console != nil {
		master, err := m.receiveMaster(ctx, streams.console, process, logger)
		if err != nil {
			return Result{}, "", ipc.Errorf(ipc.CodeSpawnError, "receiving exec terminal: %w", err)
		}
		relayOptions.Input, relayOptions.Terminal = master, master
		sources = []relay.Source{{Stream: relay.Stdout, Reader: master}}
	} else {
		sources = []relay.Source{
			{Stream: relay.Stdout, Reader: streams.stdoutRead},
			{Stream: relay.Stderr, Reader: streams.stderrRead},
		}
		// The relay closes these from here on.
		streams.stdoutRead, streams.stderrRead = nil, nil
	}

	output := relay.New(relayOptions)
	stdout := ringbuffer.New(m.options.OutputLimit)
	stderr := ringbuffer.New(m.options.OutputLimit)
	capture, err := output.Subscribe(captureQueueDepth)
	if err != nil {
		output.Close()
		m.kill(process, logger)
		return Result{}, "", ipc.Wrap(ipc.CodeInternalError, err)
	}
	captured := make(chan struct{})
	go func() {
		defer close(captured)
		captureOutput(output, capture, stdout, stderr, logger)
	}()
	m.publish(session, output)
	output.Start(sources...)

	var timeout <-chan time.Time
	if request.Timeout > 0 {
		timeout = m.options.Clock.After(request.Timeout)
	}

	result := Result{}
	outcome := "exited"
	var cancelled error
	select {
	case exit := <-process.Exited:
		result.ExitCode = exit.Code()
	case <-timeout:
		logger.Info("exec timed out; killing", "timeout", request.Timeout)
		result.ExitCode, result.TimedOut, outcome = ExitCodeTimeout, true, "timeout"
		m.kill(process, logger)
	case <-ctx.Done():
		logger.Info("exec cancelled; killing")
		result.ExitCode, result.TimedOut, outcome = ExitCodeTimeout, true, "cancelled"
		cancelled = ctx.Err()
		m.kill(process, logger)
	}

	select {
	case <-output.Drained():
	case <-m.options.Clock.After(m.options.DrainTimeout):
		logger.Warn("exec output did not drain; closing", "timeout", m.options.DrainTimeout)
	}
	output.Close()
	<-captured

	result.Stdout = stdout.Bytes()
	result.Stderr = stderr.Bytes()
	if stdout.Truncated() || stderr.Truncated() {
		logger.Info("exec output exceeded the capture limit; kept the most recent bytes",
			"limit", m.options.OutputLimit,
			"stdout_bytes", stdout.Written(),
			"stderr_bytes", stderr.Written(),
		)
	}
	if cancelled != nil {
		return result, outcome, fmt.Errorf("exec cancelled: %w", cancelled)
	}
	return result, outcome, nil
}

// receiveMaster waits for the runtime to send the exec's terminal. On
// failure the exec process is gone when it returns.
func (m *Manager) receiveMaster(ctx context.Context, console *terminal.ConsoleSocket, process *ociruntime.Process, logger *slog.Logger) (*os.File, error) {
	receiveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	type receipt struct {
		master *os.File
		err    error
	}
	received := make(chan receipt, 1)
	go func() {
		master, err := console.ReceiveMaster(receiveCtx)
		received <- receipt{master: master, err: err}
	}()

	select {
	case r := <-received:
		if r.err != nil {
			m.kill(process, logger)
		}
		return r.master, r.err
	case exit := <-process.Exited:
		cancel()
		if r := <-received; r.master != nil {
			r.master.Close()
		}
		return nil, fmt.Errorf("runtime exited with code %d before sending the terminal", exit.Code())
	case <-m.options.Clock.After(consoleTimeout):
		cancel()
		if r := <-received; r.master != nil {
			r.master.Close()
		}
		m.kill(process, logger)
		return nil, errors.New("runtime did not send the terminal in time")
	}
}

// kill sends SIGKILL to the command inside the container and to the
// runtime process, then waits for the runtime to exit (bounded).
func (m *Manager) kill(process *ociruntime.Process, logger *slog.Logger) {
	if pid, err := process.ContainerPid(); err == nil {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			logger.Warn("killing exec command", "pid", pid, "error", err)
		}
	}
	if err := unix.Kill(process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		logger.Warn("killing exec runtime process", "pid", process.Pid, "error", err)
	}
	select {
	case <-process.Exited:
	case <-m.options.Clock.After(m.options.KillGrace):
		logger.Warn("exec process survived SIGKILL", "pid", process.Pid, "grace", m.options.KillGrace)
	}
}

// captureOutput copies chunks into the per-stream buffers until the
// relay closes the subscription. A dropped capture subscriber is
// replaced; the overflowed chunks are lost.
func captureOutput(source *relay.Relay, subscription *relay.Subscription, stdout, stderr *ringbuffer.Buffer, logger *slog.Logger) {
	for {
		for chunk := range subscription.Chunks() {
			if chunk.Stream == relay.Stderr {
				stderr.Write(chunk.Data)
			} else {
				stdout.Write(chunk.Data)
			}
		}
		if !subscription.Dropped() {
			return
		}
		logger.Warn("exec capture fell behind; output was lost")
		next, err := source.Subscribe(captureQueueDepth)
		if err != nil {
			return
		}
		subscription = next
	}
}
