// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bureau-foundation/conmon/containerlog"
	"github.com/bureau-foundation/conmon/lib/clock"
	"github.com/bureau-foundation/conmon/lib/config"
	"github.com/bureau-foundation/conmon/lib/ipc"
	"github.com/bureau-foundation/conmon/lib/metrics"
	"github.com/bureau-foundation/conmon/lib/reaper"
	"github.com/bureau-foundation/conmon/lib/terminal"
	"github.com/bureau-foundation/conmon/ociruntime"
	"github.com/bureau-foundation/conmon/relay"
)

// Runtime is the subset of the OCI runtime contract the supervisor
// drives. *ociruntime.Runtime implements it.
type Runtime interface {
	Create(ctx context.Context, options ociruntime.CreateOptions) (int, error)
	Start(ctx context.Context, id string) error
	Kill(ctx context.Context, id string, signal syscall.Signal) error
	Delete(ctx context.Context, id string, force bool) error
}

// ProcessReaper reports process exits and runs helper commands without
// racing the reaper loop for their status. *reaper.Reaper implements it.
type ProcessReaper interface {
	Watch(pid int) <-chan reaper.Exit
	StartAndWait(ctx context.Context, cmd *exec.Cmd) (reaper.Exit, error)
}

const (
	// consoleTimeout bounds the wait for the runtime to send the pty
	// master after create returned.
	consoleTimeout = 10 * time.Second

	// cleanupTimeout bounds the caller's cleanup command.
	cleanupTimeout = 30 * time.Second

	// implicitExitCode is recorded when the container's output breaks
	// and its real status can no longer be trusted.
	implicitExitCode = 255
)

// Options configures a Supervisor.
type Options struct {
	Table   *Table
	Runtime Runtime
	Reaper  ProcessReaper

	RunDir  string
	ExitDir string

	// LogRuntime passes --log to the runtime so create failures carry
	// its error message.
	LogRuntime bool

	// ExitContent is one of the config.ExitContent* formats.
	ExitContent string

	ReadBufferSize int
	LogQueueDepth  int

	// DrainTimeout bounds the wait for output after exit. KillGrace
	// bounds the wait for an exit after SIGKILL.
	DrainTimeout time.Duration
	KillGrace    time.Duration

	// CgroupRoot is where the unified cgroup hierarchy is mounted.
	CgroupRoot string

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Supervisor creates containers and tracks them until they are reaped.
type Supervisor struct {
	options Options
	table   *Table
	logger  *slog.Logger
}

// New returns a Supervisor. Runtime and Reaper are required.
func New(options Options) *Supervisor {
	if options.Table == nil {
		options.Table = NewTable()
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.ExitContent == "" {
		options.ExitContent = config.ExitContentCode
	}
	if options.LogQueueDepth <= 0 {
		options.LogQueueDepth = 1024
	}
	if options.DrainTimeout <= 0 {
		options.DrainTimeout = 2 * time.Second
	}
	if options.KillGrace <= 0 {
		options.KillGrace = 5 * time.Second
	}
	if options.CgroupRoot == "" {
		options.CgroupRoot = "/sys/fs/cgroup"
	}
	return &Supervisor{options: options, table: options.Table, logger: options.Logger}
}

// Table returns the container table.
func (s *Supervisor) Table() *Table { return s.table }

// validateParams rejects requests that cannot name a container safely.
// The ID becomes a file name in the run and exit directories.
func validateParams(params ipc.CreateContainerParams) error {
	if params.ID == "" {
		return ipc.Errorf(ipc.CodeProtocolError, "container id is required")
	}
	if params.ID == "." || params.ID == ".." || strings.ContainsAny(params.ID, "/\x00") {
		return ipc.Errorf(ipc.CodeProtocolError, "container id %q is not a valid file name", params.ID)
	}
	for index, driver := range params.LogDrivers {
		if driver.Type != "" && driver.Type != ipc.LogDriverCRI {
			return ipc.Errorf(ipc.CodeProtocolError, "log driver %d: unsupported type %q", index, driver.Type)
		}
		if driver.Path == "" {
			return ipc.Errorf(ipc.CodeProtocolError, "log driver %d: path is required", index)
		}
		if driver.MaxSize < 0 {
			return ipc.Errorf(ipc.CodeProtocolError, "log driver %d: negative max_size", index)
		}
		if driver.MaxSize > 0 && driver.MaxSize < containerlog.MinMaxSize {
			return ipc.Errorf(ipc.CodeProtocolError, "log driver %d: max_size %d is below the minimum of %d bytes",
				index, driver.MaxSize, containerlog.MinMaxSize)
		}
	}
	return nil
}

// stdio is the supervisor's side of a container's standard streams,
// plus the ends handed to the runtime.
type stdio struct {
	console *terminal.ConsoleSocket

	stdinRead, stdinWrite   *os.File
	stdoutRead, stdoutWrite *os.File
	stderrRead, stderrWrite *os.File
}

func openStdio(params ipc.CreateContainerParams, runDir string) (*stdio, error) {
	streams := &stdio{}
	if params.Terminal {
		console, err := terminal.ListenConsole(filepath.Join(runDir, "console.sock"))
		if err != nil {
			return nil, err
		}
		streams.console = console
		return streams, nil
	}

	var err error
	if params.Stdin {
		if streams.stdinRead, streams.stdinWrite, err = os.Pipe(); err != nil {
			return nil, fmt.Errorf("creating stdin pipe: %w", err)
		}
	}
	if streams.stdoutRead, streams.stdoutWrite, err = os.Pipe(); err != nil {
		streams.close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	if streams.stderrRead, streams.stderrWrite, err = os.Pipe(); err != nil {
		streams.close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	return streams, nil
}

// closeChildEnds closes the descriptors the runtime inherited.
func (s *stdio) closeChildEnds() {
	for _, file := range []*os.File{s.stdinRead, s.stdoutWrite, s.stderrWrite} {
		if file != nil {
			file.Close()
		}
	}
	s.stdinRead, s.stdoutWrite, s.stderrWrite = nil, nil, nil
}

func (s *stdio) close() {
	s.closeChildEnds()
	for _, file := range []*os.File{s.stdinWrite, s.stdoutRead, s.stderrRead} {
		if file != nil {
			file.Close()
		}
	}
	if s.console != nil {
		s.console.Close()
	}
}

// Create starts a container and returns its handle once the runtime
// has started the user process. On any failure the container is
// deleted, every resource is released, and the ID becomes free again.
func (s *Supervisor) Create(ctx context.Context, params ipc.CreateContainerParams) (handle *Handle, err error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	logger := s.logger.With("container", params.ID)
	runDir := filepath.Join(s.options.RunDir, params.ID)
	h := newHandle(params, runDir, logger)
	if err := s.table.reserve(h); err != nil {
		return nil, err
	}

	created := false
	defer func() {
		if err == nil {
			s.options.Metrics.ContainerCreated()
			return
		}
		s.options.Metrics.ContainerCreateFailed(string(ipc.CodeOf(err)))
		logger.Warn("container create failed", "error", err)
		if created {
			// The runtime knows the container; make sure it is gone.
			if deleteErr := s.options.Runtime.Delete(context.WithoutCancel(ctx), params.ID, true); deleteErr != nil {
				logger.Warn("deleting failed container", "error", deleteErr)
			}
		}
		h.closeOutput()
		os.RemoveAll(runDir)
		s.table.release(params.ID)
	}()

	if _, err := ociruntime.ValidateBundle(params.BundlePath); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(runDir, 0o700); err != nil {
		return nil, ipc.Errorf(ipc.CodeIOError, "creating run directory: %w", err)
	}

	streams, err := openStdio(params, runDir)
	if err != nil {
		return nil, ipc.Wrap(ipc.CodeIOError, err)
	}
	defer func() {
		if err != nil {
			streams.close()
		}
	}()

	var masterResult chan masterReceipt
	consoleCtx, cancelConsole := context.WithCancel(ctx)
	defer cancelConsole()
	if streams.console != nil {
		masterResult = make(chan masterReceipt, 1)
		go func() {
			master, err := streams.console.ReceiveMaster(consoleCtx)
			masterResult <- masterReceipt{master: master, err: err}
		}()
	}

	createOptions := ociruntime.CreateOptions{
		ID:      params.ID,
		Bundle:  params.BundlePath,
		PidFile: filepath.Join(runDir, "pidfile"),
		Stdin:   streams.stdinRead,
		Stdout:  streams.stdoutWrite,
		Stderr:  streams.stderrWrite,
	}
	if streams.console != nil {
		createOptions.ConsoleSocket = streams.console.Path()
	}
	if s.options.LogRuntime {
		createOptions.LogFile = filepath.Join(runDir, "runtime.log")
	}

	logger.Info("creating container", "bundle", params.BundlePath, "terminal", params.Terminal)
	pid, err := s.options.Runtime.Create(ctx, createOptions)
	streams.closeChildEnds()
	if err != nil {
		cancelConsole()
		if masterResult != nil {
			if receipt := <-masterResult; receipt.master != nil {
				receipt.master.Close()
			}
		}
		if ipc.CodeOf(err) == ipc.CodeInternalError {
			err = ipc.Wrap(ipc.CodeSpawnError, err)
		}
		return nil, err
	}
	created = true

	var master *os.File
	if masterResult != nil {
		select {
		case receipt := <-masterResult:
			if receipt.err != nil {
				return nil, ipc.Errorf(ipc.CodeSpawnError, "receiving container terminal: %w", receipt.err)
			}
			master = receipt.master
		case <-s.options.Clock.After(consoleTimeout):
			cancelConsole()
			if receipt := <-masterResult; receipt.master != nil {
				receipt.master.Close()
			}
			return nil, ipc.Errorf(ipc.CodeSpawnError, "runtime did not send the container terminal within %s", consoleTimeout)
		}
		streams.console.Close()
		streams.console = nil
	}

	h.mu.Lock()
	h.pid = pid
	h.mu.Unlock()
	if err := h.transition(StateCreated); err != nil {
		return nil, ipc.Wrap(ipc.CodeInternalError, err)
	}

	if err := s.attachOutput(h, streams, master); err != nil {
		return nil, err
	}

	if err := s.options.Runtime.Start(ctx, params.ID); err != nil {
		return nil, ipc.Errorf(ipc.CodeSpawnError, "starting container: %w", err)
	}
	h.memoryEvents = memoryEventsPath(s.options.CgroupRoot, pid)
	h.oomKills, _ = oomKillCount(h.memoryEvents)
	if err := h.transition(StateRunning); err != nil {
		return nil, ipc.Wrap(ipc.CodeInternalError, err)
	}

	exits := s.options.Reaper.Watch(pid)
	go s.watch(h, exits)

	logger.Info("container running", "pid", pid)
	return h, nil
}

type masterReceipt struct {
	master *os.File
	err    error
}

// attachOutput builds the relay over the container's streams and
// starts one log pipeline per driver. Ownership of the supervisor-side
// descriptors passes to the relay.
func (s *Supervisor) attachOutput(h *Handle, streams *stdio, master *os.File) error {
	options := relay.Options{
		Kind:           "container",
		ReadBufferSize: s.options.ReadBufferSize,
		Logger:         h.logger,
		Metrics:        s.options.Metrics,
		OnPumpError: func(stream relay.Stream, err error) {
			s.implicitExit(h, fmt.Errorf("%s pump: %w", stream, err))
		},
	}
	var sources []relay.Source
	if master != nil {
		options.Input = master
		options.Terminal = master
		sources = append(sources, relay.Source{Stream: relay.Stdout, Reader: master})
	} else {
		if streams.stdinWrite != nil {
			options.Input = streams.stdinWrite
		}
		sources = append(sources,
			relay.Source{Stream: relay.Stdout, Reader: streams.stdoutRead},
			relay.Source{Stream: relay.Stderr, Reader: streams.stderrRead},
		)
	}
	h.relay = relay.New(options)
	// The relay owns these now; Close releases them.
	streams.stdinWrite, streams.stdoutRead, streams.stderrRead = nil, nil, nil

	for _, driver := range h.params.LogDrivers {
		logger, err := containerlog.NewCRILogger(containerlog.Options{
			Path:    driver.Path,
			MaxSize: driver.MaxSize,
			Clock:   s.options.Clock,
			Logger:  h.logger,
			Metrics: s.options.Metrics,
		})
		if err != nil {
			h.relay.Close()
			return ipc.Wrap(ipc.CodeIOError, err)
		}
		h.loggers = append(h.loggers, logger)
		subscription, err := h.relay.Subscribe(s.options.LogQueueDepth)
		if err != nil {
			return ipc.Wrap(ipc.CodeInternalError, err)
		}
		h.consumers.Add(1)
		go func() {
			defer h.consumers.Done()
			logger.Consume(h.relay, subscription, s.options.LogQueueDepth)
		}()
	}

	h.relay.Start(sources...)
	return nil
}

// watch records the container's exit when the reaper reports it,
// unless another trigger got there first.
func (s *Supervisor) watch(h *Handle, exits <-chan reaper.Exit) {
	select {
	case exit := <-exits:
		status := ExitStatus{Code: exit.Code(), Signal: exit.Signal(), Time: exit.Time}
		reason := "exited"
		if exit.Signal() != 0 {
			reason = "signaled"
		}
		if exit.Unobserved {
			reason = "unobserved"
		}
		s.finish(h, status, reason)
	case <-h.exited:
	}
}

// implicitExit treats broken container output as an exit. The
// container is killed so its real status cannot contradict the
// recorded one.
func (s *Supervisor) implicitExit(h *Handle, cause error) {
	status := ExitStatus{Code: implicitExitCode, Time: s.options.Clock.Now()}
	if s.finish(h, status, "output_error") {
		h.logger.Error("container output failed; recorded implicit exit", "error", cause)
		if err := s.options.Runtime.Kill(context.Background(), h.id, syscall.SIGKILL); err != nil {
			h.logger.Warn("killing container after output failure", "error", err)
		}
	}
}

// finish records status if no other trigger has, and runs the exit
// side effects in the background. Reports whether this call won.
func (s *Supervisor) finish(h *Handle, status ExitStatus, reason string) bool {
	if !h.recordExit(status) {
		return false
	}
	h.logger.Info("container exited",
		"pid", h.Pid(),
		"exit_code", status.Code,
		"signal", int(status.Signal),
		"reason", reason,
	)
	go s.completeExit(h, reason)
	return true
}

// completeExit runs the exit side effects in their fixed order.
func (s *Supervisor) completeExit(h *Handle, reason string) {
	if count, ok := oomKillCount(h.memoryEvents); ok && count > h.oomKills {
		h.markOOM()
	}
	status := h.ExitStatus()
	if status.OOM {
		reason = "oom"
	}
	content := exitContent(s.options.ExitContent, h.id, status.Code)

	exitFile := filepath.Join(s.options.ExitDir, h.id)
	if err := writeFileAtomic(exitFile, content); err != nil {
		h.logger.Error("writing exit file", "path", exitFile, "error", err)
	}
	if status.OOM {
		for _, path := range h.params.OOMExitPaths {
			if err := writeFileAtomic(path, content); err != nil {
				h.logger.Error("writing oom exit path", "path", path, "error", err)
			}
		}
	}
	for _, path := range h.params.ExitPaths {
		if err := writeFileAtomic(path, content); err != nil {
			h.logger.Error("writing exit path", "path", path, "error", err)
		}
	}

	if len(h.params.CleanupCommand) > 0 {
		s.runCleanup(h)
	}

	select {
	case <-h.relay.Drained():
	case <-s.options.Clock.After(s.options.DrainTimeout):
		h.logger.Warn("container output did not drain; closing", "timeout", s.options.DrainTimeout)
	}
	h.closeOutput()
	if err := os.RemoveAll(h.runDir); err != nil {
		h.logger.Warn("removing run directory", "path", h.runDir, "error", err)
	}

	if err := h.transition(StateReaped); err != nil {
		h.logger.Error("completing exit", "error", err)
	}
	close(h.done)
	s.options.Metrics.ContainerExited(reason)
}

func (s *Supervisor) runCleanup(h *Handle) {
	command := h.params.CleanupCommand
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	exit, err := s.options.Reaper.StartAndWait(ctx, exec.Command(command[0], command[1:]...))
	switch {
	case err != nil:
		h.logger.Warn("cleanup command failed", "command", command, "error", err)
	case exit.Code() != 0:
		h.logger.Warn("cleanup command failed", "command", command, "exit_code", exit.Code())
	default:
		h.logger.Debug("cleanup command completed", "command", command)
	}
}

// Running returns the handle of a running container. Anything else,
// including unknown IDs, is not_found.
func (s *Supervisor) Running(id string) (*Handle, error) {
	h, ok := s.table.Get(id)
	if !ok {
		return nil, ipc.Errorf(ipc.CodeNotFound, "container %q not found", id)
	}
	if state := h.State(); state != StateRunning {
		return nil, ipc.Errorf(ipc.CodeNotFound, "container %q is %s", id, state)
	}
	return h, nil
}

// Status reports the state of any container the supervisor has
// created, including exited ones.
func (s *Supervisor) Status(id string) (ipc.ContainerStatusResult, error) {
	h, ok := s.table.Get(id)
	if !ok {
		return ipc.ContainerStatusResult{}, ipc.Errorf(ipc.CodeNotFound, "container %q not found", id)
	}
	return h.status(), nil
}

// Kill signals a running container through the runtime. With a
// non-zero timeout it waits for the exit and, when none arrives,
// escalates to SIGKILL. If even that is not observed within the kill
// grace, the exit is recorded as a SIGKILL.
func (s *Supervisor) Kill(ctx context.Context, id string, signal syscall.Signal, timeout time.Duration) error {
	h, err := s.Running(id)
	if err != nil {
		return err
	}
	if signal == 0 {
		signal = syscall.SIGTERM
	}
	h.logger.Info("signaling container", "signal", int(signal), "timeout", timeout)
	if err := s.options.Runtime.Kill(ctx, id, signal); err != nil {
		return fmt.Errorf("signaling container %q: %w", id, err)
	}
	if timeout <= 0 {
		return nil
	}

	select {
	case <-h.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.options.Clock.After(timeout):
	}

	h.logger.Warn("container ignored signal; sending SIGKILL", "signal", int(signal), "timeout", timeout)
	if err := s.options.Runtime.Kill(ctx, id, syscall.SIGKILL); err != nil {
		h.logger.Warn("sending SIGKILL", "error", err)
	}
	select {
	case <-h.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.options.Clock.After(s.options.KillGrace):
	}
	s.finish(h, ExitStatus{
		Code:   128 + int(syscall.SIGKILL),
		Signal: syscall.SIGKILL,
		Time:   s.options.Clock.Now(),
	}, "killed")
	return nil
}

// SetWindowSize resizes a running container's terminal.
func (s *Supervisor) SetWindowSize(id string, width, height uint16) error {
	h, err := s.Running(id)
	if err != nil {
		return err
	}
	if err := h.relay.Resize(width, height); err != nil {
		if errors.Is(err, relay.ErrNoTerminal) {
			return ipc.Errorf(ipc.CodeNoTerminal, "container %q has no terminal", id)
		}
		return ipc.Errorf(ipc.CodeIOError, "resizing terminal of %q: %w", id, err)
	}
	return nil
}

// ReopenLog reopens every log file of a running container.
func (s *Supervisor) ReopenLog(id string) error {
	h, err := s.Running(id)
	if err != nil {
		return err
	}
	if err := h.ReopenLogs(); err != nil {
		return ipc.Wrap(ipc.CodeIOError, err)
	}
	return nil
}

// Shutdown refuses further creates and waits until every container
// whose exit is being handled has been reaped, or ctx ends. Running
// containers keep running.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.table.close()
	for _, h := range s.table.Handles() {
		if h.State() < StateExited {
			continue
		}
		select {
		case <-h.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for container %q teardown: %w", h.id, ctx.Err())
		}
	}
	return nil
}
