// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package runtimetest provides a stand-in for an OCI runtime that runs
// real processes, so exit tracking, stdio, and terminals behave as
// they do under runc without needing root or a bundle rootfs.
package runtimetest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/conmon/lib/clock"
	"github.com/bureau-foundation/conmon/lib/reaper"
	"github.com/bureau-foundation/conmon/lib/terminal"
	"github.com/bureau-foundation/conmon/ociruntime"
)

// Call records one runtime invocation.
type Call struct {
	Command string
	ID      string
	Args    []string
}

// Fake implements the runtime operations the supervisor and exec
// manager use. A created container is a /bin/sh running Command (or
// Commands[id]), held at a gate until Start, the way a runtime holds
// init between create and start.
type Fake struct {
	// Command is the shell script every container runs by default.
	Command string

	// Commands overrides Command per container ID.
	Commands map[string]string

	// CreateError and StartError, when set, fail the matching call.
	CreateError error
	StartError  error

	// Reaper starts exec processes. Required for Exec.
	Reaper *reaper.Reaper

	mu         sync.Mutex
	containers map[string]*container
	calls      []Call
}

type container struct {
	pid  int
	gate *os.File
}

// StartReaper runs a reaper loop for the duration of the test. Only
// one loop may run in a process at a time, so cleanup waits for it to
// stop.
func StartReaper(t *testing.T) *reaper.Reaper {
	t.Helper()
	r := reaper.New(slog.New(slog.NewTextHandler(io.Discard, nil)), clock.Real())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return r
}

func (f *Fake) record(call Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

// Calls returns every invocation so far, in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns how many times command was invoked.
func (f *Fake) CallCount(command string) int {
	count := 0
	for _, call := range f.Calls() {
		if call.Command == command {
			count++
		}
	}
	return count
}

// Pid returns the init pid of a created container, or 0.
func (f *Fake) Pid(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		return c.pid
	}
	return 0
}

func (f *Fake) script(id string) string {
	if command, ok := f.Commands[id]; ok {
		return command
	}
	if f.Command != "" {
		return f.Command
	}
	return "exec sleep 300"
}

// Create starts the container's process, gated, and writes its pid.
func (f *Fake) Create(ctx context.Context, options ociruntime.CreateOptions) (int, error) {
	f.record(Call{Command: "create", ID: options.ID, Args: []string{options.Bundle}})
	if f.CreateError != nil {
		return 0, f.CreateError
	}

	gateReader, gateWriter, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("creating start gate: %w", err)
	}
	defer gateReader.Close()

	script := "read -r gate <&3 || exit 125\nexec 3<&-\n" + f.script(options.ID)
	cmd := exec.Command("/bin/sh", "-c", script)
	cmd.ExtraFiles = []*os.File{gateReader}

	var master *os.File
	if options.ConsoleSocket != "" {
		var slave *os.File
		master, slave, err = openTerminal()
		if err != nil {
			gateWriter.Close()
			return 0, err
		}
		defer master.Close()
		defer slave.Close()
		cmd.Stdin, cmd.Stdout, cmd.Stderr = slave, slave, slave
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true, Ctty: 0}
	} else {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = options.Stdin, options.Stdout, options.Stderr
	}

	if err := cmd.Start(); err != nil {
		gateWriter.Close()
		return 0, fmt.Errorf("starting container process: %w", err)
	}
	pid := cmd.Process.Pid
	// The reaper loop collects the status; the runtime never waits.
	cmd.Process.Release()

	if master != nil {
		if err := terminal.SendMaster(options.ConsoleSocket, master); err != nil {
			unix.Kill(pid, unix.SIGKILL)
			gateWriter.Close()
			return 0, fmt.Errorf("sending terminal master: %w", err)
		}
	}
	if err := os.WriteFile(options.PidFile, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		unix.Kill(pid, unix.SIGKILL)
		gateWriter.Close()
		return 0, fmt.Errorf("writing pid file: %w", err)
	}

	f.mu.Lock()
	if f.containers == nil {
		f.containers = make(map[string]*container)
	}
	f.containers[options.ID] = &container{pid: pid, gate: gateWriter}
	f.mu.Unlock()
	return pid, nil
}

func openTerminal() (master, slave *os.File, err error) {
	master, slavePath, err := terminal.OpenPTY()
	if err != nil {
		return nil, nil, err
	}
	slave, err = os.OpenFile(slavePath, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		master.Close()
		return nil, nil, fmt.Errorf("opening %s: %w", slavePath, err)
	}
	return master, slave, nil
}

func (f *Fake) lookup(id string) (*container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("container %q does not exist", id)
	}
	return c, nil
}

// Start opens the gate so the container's script runs.
func (f *Fake) Start(ctx context.Context, id string) error {
	f.record(Call{Command: "start", ID: id})
	if f.StartError != nil {
		return f.StartError
	}
	c, err := f.lookup(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.gate == nil {
		return fmt.Errorf("container %q already started", id)
	}
	c.gate.Write([]byte("\n"))
	c.gate.Close()
	c.gate = nil
	return nil
}

// Kill signals the container's init process.
func (f *Fake) Kill(ctx context.Context, id string, signal syscall.Signal) error {
	f.record(Call{Command: "kill", ID: id, Args: []string{strconv.Itoa(int(signal))}})
	c, err := f.lookup(id)
	if err != nil {
		return err
	}
	if err := unix.Kill(c.pid, signal); err != nil {
		return fmt.Errorf("signaling container %q: %w", id, err)
	}
	return nil
}

// Delete forgets the container, killing it if force is set.
func (f *Fake) Delete(ctx context.Context, id string, force bool) error {
	f.record(Call{Command: "delete", ID: id, Args: []string{strconv.FormatBool(force)}})
	f.mu.Lock()
	c, ok := f.containers[id]
	delete(f.containers, id)
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("container %q does not exist", id)
	}
	if c.gate != nil {
		c.gate.Close()
	}
	if force {
		unix.Kill(c.pid, unix.SIGKILL)
	}
	return nil
}

// Exec runs Args directly (not inside any container) through the
// reaper. The runtime process and the exec'd command are the same
// process, so the pid file holds the runtime pid.
func (f *Fake) Exec(ctx context.Context, options ociruntime.ExecOptions) (*ociruntime.Process, error) {
	f.record(Call{Command: "exec", ID: options.ID, Args: options.Args})
	if _, err := f.lookup(options.ID); err != nil {
		return nil, err
	}
	if f.Reaper == nil {
		return nil, fmt.Errorf("fake runtime has no reaper for exec")
	}
	if len(options.Args) == 0 {
		return nil, fmt.Errorf("exec needs a command")
	}

	args := append([]string{"-c", `echo $$ > "$0"; shift; exec "$@"`, options.PidFile, "exec"}, options.Args...)
	cmd := exec.Command("/bin/sh", args...)

	var master *os.File
	if options.ConsoleSocket != "" {
		var slave *os.File
		var err error
		master, slave, err = openTerminal()
		if err != nil {
			return nil, err
		}
		defer master.Close()
		defer slave.Close()
		cmd.Stdin, cmd.Stdout, cmd.Stderr = slave, slave, slave
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true, Ctty: 0}
	} else {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = options.Stdin, options.Stdout, options.Stderr
	}

	exited, err := f.Reaper.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("starting exec process: %w", err)
	}
	if master != nil {
		if err := terminal.SendMaster(options.ConsoleSocket, master); err != nil {
			cmd.Process.Kill()
			return nil, fmt.Errorf("sending terminal master: %w", err)
		}
	}
	return &ociruntime.Process{Pid: cmd.Process.Pid, PidFile: options.PidFile, Exited: exited}, nil
}
