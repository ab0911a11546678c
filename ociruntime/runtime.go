// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ociruntime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/bureau-foundation/conmon/lib/ipc"
	"github.com/bureau-foundation/conmon/lib/reaper"
)

// Options configures a Runtime.
type Options struct {
	// Path is the runtime binary.
	Path string

	// Root is passed as --root when non-empty.
	Root string

	Reaper *reaper.Reaper
	Logger *slog.Logger
}

// Runtime invokes the OCI runtime binary.
type Runtime struct {
	options Options
}

// New returns a Runtime for options.
func New(options Options) *Runtime {
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	return &Runtime{options: options}
}

// CreateOptions describes one `create` invocation.
type CreateOptions struct {
	ID      string
	Bundle  string
	PidFile string

	// ConsoleSocket requests a terminal; the runtime sends the pty
	// master there.
	ConsoleSocket string

	// LogFile receives the runtime's JSON log when non-empty.
	LogFile string

	// Stdin, Stdout, and Stderr become the container's stdio (the
	// runtime passes its own stdio through to the container's init).
	// Nil means /dev/null. Ignored for the streams a terminal carries.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// ExecOptions describes one `exec` invocation.
type ExecOptions struct {
	ID            string
	Args          []string
	PidFile       string
	ConsoleSocket string
	LogFile       string
	Stdin         *os.File
	Stdout        *os.File
	Stderr        *os.File
}

// Process is a running `exec` invocation.
type Process struct {
	// Pid is the runtime process, the parent of the command inside
	// the container.
	Pid int

	// PidFile holds the command's pid inside the container once the
	// runtime has started it.
	PidFile string

	// Exited receives the runtime's exit, whose code is the command's.
	Exited <-chan reaper.Exit
}

// ContainerPid reads the exec'd command's pid from the pid file.
func (p *Process) ContainerPid() (int, error) {
	return ReadPidFile(p.PidFile)
}

func (r *Runtime) globalArgs(logFile string) []string {
	var args []string
	if r.options.Root != "" {
		args = append(args, "--root", r.options.Root)
	}
	if logFile != "" {
		args = append(args, "--log", logFile, "--log-format", "json")
	}
	return args
}

// CreateArgs returns the argument list for `create`.
func (r *Runtime) CreateArgs(options CreateOptions) []string {
	args := append(r.globalArgs(options.LogFile), "create", "--bundle", options.Bundle, "--pid-file", options.PidFile)
	if options.ConsoleSocket != "" {
		args = append(args, "--console-socket", options.ConsoleSocket)
	}
	return append(args, options.ID)
}

// ExecArgs returns the argument list for `exec`.
func (r *Runtime) ExecArgs(options ExecOptions) []string {
	args := append(r.globalArgs(options.LogFile), "exec", "--pid-file", options.PidFile)
	if options.ConsoleSocket != "" {
		args = append(args, "--tty", "--console-socket", options.ConsoleSocket)
	}
	args = append(args, options.ID)
	return append(args, options.Args...)
}

// Create runs `create` and returns the container init's pid.
func (r *Runtime) Create(ctx context.Context, options CreateOptions) (int, error) {
	cmd := exec.Command(r.options.Path, r.CreateArgs(options)...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = options.Stdin, options.Stdout, options.Stderr

	r.options.Logger.Debug("running runtime create",
		"container", options.ID,
		"runtime", r.options.Path,
		"args", cmd.Args[1:],
	)
	exit, err := r.options.Reaper.StartAndWait(ctx, cmd)
	if err != nil {
		return 0, ipc.Errorf(ipc.CodeSpawnError, "running %s create: %w", r.options.Path, err)
	}
	if exit.Code() != 0 {
		return 0, ipc.Errorf(ipc.CodeSpawnError, "%s create exited with code %d%s",
			r.options.Path, exit.Code(), describeFailure(options.LogFile, nil))
	}

	pid, err := ReadPidFile(options.PidFile)
	if err != nil {
		return 0, ipc.Errorf(ipc.CodeSpawnError, "runtime create succeeded but %w", err)
	}
	return pid, nil
}

// Start runs `start`, releasing the created container's user process.
func (r *Runtime) Start(ctx context.Context, id string) error {
	return r.run(ctx, "start", id)
}

// Kill runs `kill <id> <signal>`.
func (r *Runtime) Kill(ctx context.Context, id string, signal syscall.Signal) error {
	return r.run(ctx, "kill", id, strconv.Itoa(int(signal)))
}

// Delete runs `delete`, removing the runtime's state for id.
func (r *Runtime) Delete(ctx context.Context, id string, force bool) error {
	if force {
		return r.run(ctx, "delete", "--force", id)
	}
	return r.run(ctx, "delete", id)
}

// Exec starts `exec` and returns without waiting for the command.
func (r *Runtime) Exec(ctx context.Context, options ExecOptions) (*Process, error) {
	cmd := exec.Command(r.options.Path, r.ExecArgs(options)...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = options.Stdin, options.Stdout, options.Stderr

	r.options.Logger.Debug("running runtime exec",
		"container", options.ID,
		"args", cmd.Args[1:],
	)
	exited, err := r.options.Reaper.Start(cmd)
	if err != nil {
		return nil, ipc.Errorf(ipc.CodeSpawnError, "running %s exec: %w", r.options.Path, err)
	}
	return &Process{Pid: cmd.Process.Pid, PidFile: options.PidFile, Exited: exited}, nil
}

// run executes a short runtime command with stderr captured to a
// temporary file, and turns a non-zero exit into an error carrying the
// runtime's message.
func (r *Runtime) run(ctx context.Context, command string, args ...string) error {
	stderr, err := os.CreateTemp("", "conmon-runtime-stderr-*")
	if err != nil {
		return fmt.Errorf("creating runtime stderr capture: %w", err)
	}
	defer func() {
		stderr.Close()
		os.Remove(stderr.Name())
	}()

	cmd := exec.Command(r.options.Path, append(append(r.globalArgs(""), command), args...)...)
	cmd.Stderr = stderr

	exit, err := r.options.Reaper.StartAndWait(ctx, cmd)
	if err != nil {
		return fmt.Errorf("running %s %s: %w", r.options.Path, command, err)
	}
	if exit.Code() != 0 {
		captured, _ := os.ReadFile(stderr.Name())
		return fmt.Errorf("%s %s exited with code %d%s",
			r.options.Path, command, exit.Code(), describeFailure("", captured))
	}
	return nil
}

// describeFailure returns ": <message>" from the runtime's log file or
// captured stderr, or "" when neither has anything useful.
func describeFailure(logFile string, stderr []byte) string {
	if logFile != "" {
		if message := LastLogError(logFile); message != "" {
			return ": " + message
		}
	}
	if message := strings.TrimSpace(lastLine(stderr)); message != "" {
		return ": " + message
	}
	return ""
}

// LastLogError returns the message of the last error-level record in
// a runtime JSON log, or "" if there is none.
func LastLogError(logFile string) string {
	data, err := os.ReadFile(logFile)
	if err != nil {
		return ""
	}
	var message string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var record struct {
			Level string `json:"level"`
			Msg   string `json:"msg"`
		}
		if json.Unmarshal(scanner.Bytes(), &record) != nil {
			continue
		}
		if record.Level == "error" || record.Level == "fatal" {
			message = record.Msg
		}
	}
	return message
}

func lastLine(data []byte) string {
	trimmed := bytes.TrimRight(data, "\n")
	if index := bytes.LastIndexByte(trimmed, '\n'); index >= 0 {
		return string(trimmed[index+1:])
	}
	return string(trimmed)
}

// ReadPidFile parses a pid file written by the runtime.
func ReadPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading pid file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s holds %q, not a pid", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}
