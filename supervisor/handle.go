// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/conmon/containerlog"
	"github.com/bureau-foundation/conmon/lib/ipc"
	"github.com/bureau-foundation/conmon/relay"
)

// Handle is one supervised container.
type Handle struct {
	id       string
	params   ipc.CreateContainerParams
	runDir   string
	terminal bool
	logger   *slog.Logger

	mu    sync.Mutex
	state State
	pid   int
	exit  ExitStatus

	// Set once the container reaches StateCreated; read-only after.
	relay     *relay.Relay
	loggers   []*containerlog.CRILogger
	consumers sync.WaitGroup

	// OOM baseline captured when the container started.
	memoryEvents string
	oomKills     uint64

	exited chan struct{}
	done   chan struct{}
}

func newHandle(params ipc.CreateContainerParams, runDir string, logger *slog.Logger) *Handle {
	return &Handle{
		id:       params.ID,
		params:   params,
		runDir:   runDir,
		terminal: params.Terminal,
		logger:   logger,
		exited:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ID returns the container ID.
func (h *Handle) ID() string { return h.id }

// Terminal reports whether the container has a pseudo-terminal.
func (h *Handle) Terminal() bool { return h.terminal }

// Relay returns the container's output relay. Nil before the
// container is created.
func (h *Handle) Relay() *relay.Relay { return h.relay }

// Exited is closed when the container's exit has been recorded.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// Done is closed when every exit side effect has completed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Pid returns the container init pid (0 while creating).
func (h *Handle) Pid() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ExitStatus returns the recorded exit, valid once Exited is closed.
func (h *Handle) ExitStatus() ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

// transition moves to next if it immediately follows the current
// state.
func (h *Handle) transition(next State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.CanTransition(next) {
		return fmt.Errorf("container %q cannot move from %s to %s", h.id, h.state, next)
	}
	h.state = next
	return nil
}

// recordExit is the exactly-once gate for exit handling. It reports
// false when the exit was already recorded or the container never
// started running.
func (h *Handle) recordExit(status ExitStatus) bool {
	h.mu.Lock()
	if !h.state.CanTransition(StateExited) {
		h.mu.Unlock()
		return false
	}
	h.state = StateExited
	h.exit = status
	h.mu.Unlock()
	close(h.exited)
	return true
}

func (h *Handle) markOOM() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exit.OOM = true
}

// ReopenLogs reopens every log file of the container.
func (h *Handle) ReopenLogs() error {
	var errs []error
	for _, logger := range h.loggers {
		if err := logger.Reopen(); err != nil {
			errs = append(errs, fmt.Errorf("reopening %s: %w", logger.Path(), err))
		}
	}
	return errors.Join(errs...)
}

// closeOutput closes the relay (ending every subscription), waits for
// the log consumers, and closes the log files.
func (h *Handle) closeOutput() {
	if h.relay != nil {
		h.relay.Close()
	}
	h.consumers.Wait()
	for _, logger := range h.loggers {
		if err := logger.Close(); err != nil {
			h.logger.Warn("closing container log", "path", logger.Path(), "error", err)
		}
	}
}

// status converts the handle to its wire form.
func (h *Handle) status() ipc.ContainerStatusResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	result := ipc.ContainerStatusResult{State: h.state.String(), Pid: h.pid}
	if h.state >= StateExited {
		result.ExitCode = h.exit.Code
		result.Signal = int(h.exit.Signal)
		result.OOM = h.exit.OOM
		result.ExitedAt = h.exit.Time
	}
	return result
}
