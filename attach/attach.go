// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/conmon/execsession"
	"github.com/bureau-foundation/conmon/lib/ipc"
	"github.com/bureau-foundation/conmon/lib/metrics"
	"github.com/bureau-foundation/conmon/relay"
	"github.com/bureau-foundation/conmon/supervisor"
)

// flushTimeout bounds the final writes to a client after the target
// has exited.
const flushTimeout = 2 * time.Second

// hangupPollInterval bounds each wait for a half-closed client to hang
// up, so the wait notices the session ending for other reasons.
const hangupPollInterval = 200 * time.Millisecond

// Containers resolves running containers.
type Containers interface {
	Running(id string) (*supervisor.Handle, error)
}

// ExecSessions resolves running exec sessions.
type ExecSessions interface {
	Lookup(containerID, sessionID string) (*execsession.Session, error)
}

// Options configures a Manager.
type Options struct {
	Containers Containers
	Exec       ExecSessions

	// QueueDepth is the relay queue of each session.
	QueueDepth int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager runs attach sessions.
type Manager struct {
	options Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	active   int
	sessions sync.WaitGroup
}

// New returns a Manager.
func New(options Options) *Manager {
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.QueueDepth <= 0 {
		options.QueueDepth = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{options: options, ctx: ctx, cancel: cancel}
}

// target is what a session attaches to.
type target struct {
	relay *relay.Relay
	done  <-chan struct{}
}

func (m *Manager) resolve(containerID, execSessionID string) (target, error) {
	if execSessionID != "" {
		if m.options.Exec == nil {
			return target{}, ipc.Errorf(ipc.CodeNotFound, "exec session %q not found", execSessionID)
		}
		session, err := m.options.Exec.Lookup(containerID, execSessionID)
		if err != nil {
			return target{}, err
		}
		return target{relay: session.Relay(), done: session.Done()}, nil
	}
	handle, err := m.options.Containers.Running(containerID)
	if err != nil {
		return target{}, err
	}
	return target{relay: handle.Relay(), done: handle.Done()}, nil
}

// Attach creates the session socket at socketPath and returns once it
// is listening. The target is resolved first: an unknown container or
// exec session fails with not_found and no socket is created.
func (m *Manager) Attach(ctx context.Context, containerID, socketPath, execSessionID string) error {
	if socketPath == "" {
		return ipc.Errorf(ipc.CodeProtocolError, "attach socket path is required")
	}
	target, err := m.resolve(containerID, execSessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ipc.Errorf(ipc.CodeInternalError, "attach manager is shutting down")
	}
	m.active++
	m.sessions.Add(1)
	m.mu.Unlock()

	listener, err := listen(socketPath)
	if err != nil {
		m.sessionEnded()
		return ipc.Wrap(ipc.CodeIOError, err)
	}

	logger := m.options.Logger.With("container", containerID, "socket", socketPath)
	if execSessionID != "" {
		logger = logger.With("exec_session", execSessionID)
	}
	logger.Info("attach socket listening")
	m.options.Metrics.AttachStarted()

	go func() {
		defer m.sessionEnded()
		defer m.options.Metrics.AttachEnded()
		m.serve(listener, socketPath, target, logger)
	}()
	return nil
}

func (m *Manager) sessionEnded() {
	m.mu.Lock()
	m.active--
	m.mu.Unlock()
	m.sessions.Done()
}

// ActiveSessions returns the number of sessions not yet ended.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Close ends every session and waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.sessions.Wait()
}

func listen(socketPath string) (*net.UnixListener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating attach socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale attach socket: %w", err)
	}
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	// The listener must not unlink the path on Close; the session
	// removes it explicitly right after the accept.
	listener.SetUnlinkOnClose(false)
	if err := os.Chmod(socketPath, 0o700); err != nil {
		listener.Close()
		os.Remove(socketPath)
		return nil, fmt.Errorf("setting attach socket permissions: %w", err)
	}
	return listener, nil
}

// serve accepts the session's one client and relays until the session
// ends.
func (m *Manager) serve(listener *net.UnixListener, socketPath string, target target, logger *slog.Logger) {
	stopAccept := make(chan struct{})
	go func() {
		select {
		case <-target.done:
		case <-m.ctx.Done():
		case <-stopAccept:
			return
		}
		listener.Close()
	}()

	connection, err := listener.AcceptUnix()
	close(stopAccept)
	listener.Close()
	if removeErr := os.Remove(socketPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		logger.Warn("removing attach socket", "error", removeErr)
	}
	if err != nil {
		logger.Info("attach session ended before a client connected")
		return
	}
	defer connection.Close()

	subscription, err := target.relay.Subscribe(m.options.QueueDepth)
	if err != nil {
		logger.Info("attach target already closed")
		return
	}
	defer target.relay.Unsubscribe(subscription.ID())
	logger.Info("attach client connected")

	writerDone := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// The subscription closes when the target's relay closes, the
		// client falls behind, or the reader removes it.
		defer connection.Close()
		m.writeOutput(connection, subscription, logger)
	}()
	go func() {
		defer close(readerDone)
		defer target.relay.Unsubscribe(subscription.ID())
		if m.readInput(connection, target.relay, logger) {
			// The client finished its input but may still be reading.
			logger.Debug("attach client closed its input")
			waitHangup(connection, writerDone)
		}
	}()

	select {
	case <-writerDone:
	case <-target.done:
		// The relay is closed; let the writer flush what it holds, but
		// not to a client that stopped reading.
		connection.SetWriteDeadline(time.Now().Add(flushTimeout))
		<-writerDone
	case <-m.ctx.Done():
		target.relay.Unsubscribe(subscription.ID())
		connection.Close()
		<-writerDone
	}
	<-readerDone

	if subscription.Dropped() {
		logger.Warn("attach client fell behind and was disconnected")
	}
	logger.Info("attach session ended")
}

func (m *Manager) writeOutput(connection net.Conn, subscription *relay.Subscription, logger *slog.Logger) {
	for chunk := range subscription.Chunks() {
		messageType := MessageTypeStdout
		if chunk.Stream == relay.Stderr {
			messageType = MessageTypeStderr
		}
		if err := WriteMessage(connection, Message{Type: messageType, Payload: chunk.Data}); err != nil {
			logger.Debug("attach client write failed", "error", err)
			return
		}
	}
}

// readInput forwards client messages until the client stops sending.
// It reports whether input ended cleanly, which on its own is only a
// half-close.
func (m *Manager) readInput(connection net.Conn, target *relay.Relay, logger *slog.Logger) bool {
	for {
		message, err := ReadMessage(connection)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return true
			}
			if !errors.Is(err, net.ErrClosed) {
				logger.Debug("attach client read failed", "error", err)
			}
			return false
		}
		switch message.Type {
		case MessageTypeStdin:
			if _, err := target.WriteInput(message.Payload); err != nil {
				if errors.Is(err, relay.ErrNoInput) {
					logger.Debug("discarding attach input; target has no input stream")
					continue
				}
				logger.Warn("forwarding attach input", "error", err)
			}
		case MessageTypeResize:
			columns, rows, err := ParseResizePayload(message.Payload)
			if err != nil {
				logger.Warn("malformed attach resize", "error", err)
				continue
			}
			if err := target.Resize(columns, rows); err != nil && !errors.Is(err, relay.ErrNoTerminal) {
				logger.Warn("applying attach resize", "error", err)
			}
		default:
			logger.Warn("ignoring unknown attach message", "type", message.Type)
		}
	}
}

// waitHangup returns when the client has closed both directions of the
// connection, the connection is closed locally, or stop is closed. A
// unix stream socket reports POLLHUP only once the peer has shut down
// entirely.
func waitHangup(connection *net.UnixConn, stop <-chan struct{}) {
	raw, err := connection.SyscallConn()
	if err != nil {
		return
	}
	timeout := int(hangupPollInterval / time.Millisecond)
	for {
		select {
		case <-stop:
			return
		default:
		}
		hungUp := false
		controlErr := raw.Control(func(fd uintptr) {
			fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLHUP}}
			n, err := unix.Poll(fds, timeout)
			hungUp = err == nil && n > 0 && fds[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0
		})
		if controlErr != nil || hungUp {
			return
		}
	}
}
