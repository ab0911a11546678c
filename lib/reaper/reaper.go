// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/conmon/lib/clock"
)

// Exit is the collected status of one process.
type Exit struct {
	Pid    int
	Status unix.WaitStatus
	Time   time.Time

	// Unobserved is set when the process disappeared without the
	// reaper collecting its status (it was not our child). Status is
	// meaningless then.
	Unobserved bool
}

// UnobservedExitCode is reported for a process whose status could not
// be collected.
const UnobservedExitCode = -1

// Code returns the shell-style exit code: the exit status for a normal
// exit, 128+signal for a signaled one.
func (e Exit) Code() int {
	switch {
	case e.Unobserved:
		return UnobservedExitCode
	case e.Status.Signaled():
		return 128 + int(e.Status.Signal())
	default:
		return e.Status.ExitStatus()
	}
}

// Signal returns the terminating signal, or 0 for a normal exit.
func (e Exit) Signal() syscall.Signal {
	if e.Unobserved || !e.Status.Signaled() {
		return 0
	}
	return e.Status.Signal()
}

// unclaimedLimit bounds the cache of statuses nobody registered for.
// Orphans reparented from inside a container land here and are never
// claimed.
const unclaimedLimit = 4096

// livenessPollInterval is how often Watch checks a process that is not
// our child.
const livenessPollInterval = 250 * time.Millisecond

type waiter struct {
	channel chan Exit
	process *os.Process
}

// Reaper routes child exit statuses to registered waiters.
type Reaper struct {
	logger *slog.Logger
	clock  clock.Clock

	mu             sync.Mutex
	waiters        map[int][]waiter
	unclaimed      map[int]Exit
	unclaimedOrder []int
	subreaper      bool
}

// New returns a Reaper. Call Run before starting any child.
func New(logger *slog.Logger, clk clock.Clock) *Reaper {
	return &Reaper{
		logger:    logger,
		clock:     clk,
		waiters:   make(map[int][]waiter),
		unclaimed: make(map[int]Exit),
	}
}

// BecomeSubreaper marks the calling process as a child subreaper so
// orphaned descendants are reparented to it. Watch relies on this to
// collect real exit statuses for adopted processes.
func (r *Reaper) BecomeSubreaper() error {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("becoming child subreaper: %w", err)
	}
	r.mu.Lock()
	r.subreaper = true
	r.mu.Unlock()
	return nil
}

// Run reaps children until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, unix.SIGCHLD)
	defer signal.Stop(signals)

	// Children that exited before Notify took effect.
	r.reapAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			r.reapAll()
		}
	}
}

// reapAll collects every child that has exited. SIGCHLD is coalesced,
// so one signal may stand for many exits.
func (r *Reaper) reapAll() {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || pid <= 0 {
			// ECHILD: no children at all. pid 0: none has exited.
			return
		}
		r.deliver(Exit{Pid: pid, Status: status, Time: r.clock.Now()})
	}
}

func (r *Reaper) deliver(exit Exit) {
	r.mu.Lock()
	waiters, registered := r.waiters[exit.Pid]
	if registered {
		delete(r.waiters, exit.Pid)
	} else if _, duplicate := r.unclaimed[exit.Pid]; !duplicate {
		if len(r.unclaimedOrder) >= unclaimedLimit {
			oldest := r.unclaimedOrder[0]
			r.unclaimedOrder = r.unclaimedOrder[1:]
			delete(r.unclaimed, oldest)
		}
		r.unclaimed[exit.Pid] = exit
		r.unclaimedOrder = append(r.unclaimedOrder, exit.Pid)
	}
	r.mu.Unlock()

	if !registered {
		r.logger.Debug("reaped unclaimed process", "pid", exit.Pid, "exit_code", exit.Code())
		return
	}
	for _, waiter := range waiters {
		if waiter.process != nil {
			// Release the pidfd os.StartProcess opened; the status is
			// already collected.
			waiter.process.Release()
		}
		waiter.channel <- exit
	}
}

// Start starts cmd and returns a channel that receives its exit. The
// caller must not call cmd.Wait. cmd's Stdin, Stdout, and Stderr must
// each be nil or an *os.File.
func (r *Reaper) Start(cmd *exec.Cmd) (<-chan Exit, error) {
	for _, stream := range []any{cmd.Stdin, cmd.Stdout, cmd.Stderr} {
		switch stream.(type) {
		case nil, *os.File:
		default:
			return nil, fmt.Errorf("starting %s: stdio must be nil or *os.File, got %T", cmd.Path, stream)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	channel := make(chan Exit, 1)
	r.waiters[cmd.Process.Pid] = append(r.waiters[cmd.Process.Pid], waiter{channel: channel, process: cmd.Process})
	return channel, nil
}

// StartAndWait starts cmd and waits for its exit or ctx. On ctx
// expiry the process is killed and its exit is still awaited, so no
// child outlives the call.
func (r *Reaper) StartAndWait(ctx context.Context, cmd *exec.Cmd) (Exit, error) {
	exited, err := r.Start(cmd)
	if err != nil {
		return Exit{}, err
	}
	select {
	case exit := <-exited:
		return exit, nil
	case <-ctx.Done():
		cmd.Process.Kill()
		<-exited
		return Exit{}, ctx.Err()
	}
}

// Watch returns a channel that receives the exit of pid, a process the
// reaper did not start. If the reaper is not a subreaper and pid is not
// its child, the exit is detected by polling and reported Unobserved.
func (r *Reaper) Watch(pid int) <-chan Exit {
	channel := make(chan Exit, 1)

	r.mu.Lock()
	if exit, ok := r.unclaimed[pid]; ok {
		delete(r.unclaimed, pid)
		for index, candidate := range r.unclaimedOrder {
			if candidate == pid {
				r.unclaimedOrder = append(r.unclaimedOrder[:index], r.unclaimedOrder[index+1:]...)
				break
			}
		}
		r.mu.Unlock()
		channel <- exit
		return channel
	}
	r.waiters[pid] = append(r.waiters[pid], waiter{channel: channel})
	subreaper := r.subreaper
	r.mu.Unlock()

	if !subreaper && !isChild(pid) {
		go r.pollLiveness(pid)
	}
	return channel
}

// isChild reports whether pid's parent is this process.
func isChild(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// The comm field may contain spaces and parentheses; the fields
	// after the last ')' are fixed.
	closing := -1
	for index := len(data) - 1; index >= 0; index-- {
		if data[index] == ')' {
			closing = index
			break
		}
	}
	if closing < 0 {
		return false
	}
	var state string
	var parent int
	if _, err := fmt.Sscanf(string(data[closing+1:]), " %s %d", &state, &parent); err != nil {
		return false
	}
	return parent == os.Getpid()
}

// pollLiveness reports pid's exit once signal 0 fails with ESRCH. If
// the reaper collects a real status first, the waiter is already gone
// and the poll ends.
func (r *Reaper) pollLiveness(pid int) {
	ticker := r.clock.NewTicker(livenessPollInterval)
	defer ticker.Stop()
	for range ticker.C {
		r.mu.Lock()
		_, waiting := r.waiters[pid]
		r.mu.Unlock()
		if !waiting {
			return
		}
		if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
			r.logger.Warn("watched process exited without a collectable status", "pid", pid)
			r.deliver(Exit{Pid: pid, Time: r.clock.Now(), Unobserved: true})
			return
		}
	}
}
