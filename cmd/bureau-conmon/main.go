// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/conmon/lib/clock"
	"github.com/bureau-foundation/conmon/lib/config"
	"github.com/bureau-foundation/conmon/lib/logging"
	"github.com/bureau-foundation/conmon/lib/metrics"
	"github.com/bureau-foundation/conmon/lib/process"
	"github.com/bureau-foundation/conmon/lib/reaper"
	"github.com/bureau-foundation/conmon/lib/rpc"
	"github.com/bureau-foundation/conmon/lib/version"
	"github.com/bureau-foundation/conmon/ociruntime"
)

// shutdownTimeout bounds the wait for exiting containers to finish
// their notifications after the control socket closes.
const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath    string
		socketPath    string
		runtimePath   string
		runtimeRoot   string
		runDir        string
		exitDir       string
		logLevel      string
		logFile       string
		metricsListen string
		showVersion   bool
	)

	flagSet := pflag.NewFlagSet("bureau-conmon", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "YAML config file (default: $"+config.EnvironmentVariable+", then built-in defaults)")
	flagSet.StringVar(&socketPath, "socket", "", "control socket path")
	flagSet.StringVar(&runtimePath, "runtime", "", "OCI runtime binary (runc, crun)")
	flagSet.StringVar(&runtimeRoot, "runtime-root", "", "--root passed to the runtime")
	flagSet.StringVar(&runDir, "run-dir", "", "directory for per-container pid files and console sockets")
	flagSet.StringVar(&exitDir, "exit-dir", "", "directory receiving one exit file per container")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn, or error")
	flagSet.StringVar(&logFile, "log-file", "", "write the monitor log to this file (rotated by size)")
	flagSet.StringVar(&metricsListen, "metrics-listen", "", "host:port serving Prometheus /metrics")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return process.Usagef("%v", err)
	}
	if showVersion {
		fmt.Printf("bureau-conmon %s\n", version.Info())
		return nil
	}
	if flagSet.NArg() > 0 {
		return process.Usagef("unexpected argument: %s", flagSet.Arg(0))
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	overrides := []struct {
		flag  string
		value string
		field *string
	}{
		{"socket", socketPath, &cfg.Paths.Socket},
		{"runtime", runtimePath, &cfg.Runtime.Path},
		{"runtime-root", runtimeRoot, &cfg.Runtime.Root},
		{"run-dir", runDir, &cfg.Paths.RunDir},
		{"exit-dir", exitDir, &cfg.Paths.ExitDir},
		{"log-level", logLevel, &cfg.Log.Level},
		{"log-file", logFile, &cfg.Log.File},
		{"metrics-listen", metricsListen, &cfg.Metrics.Listen},
	}
	for _, override := range overrides {
		if flagSet.Changed(override.flag) {
			*override.field = config.ExpandVars(override.value)
		}
	}

	if err := cfg.Validate(); err != nil {
		return process.Usagef("invalid configuration: %w", err)
	}

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	if cfg.OOMScoreAdj != nil {
		if err := setOOMScoreAdj(*cfg.OOMScoreAdj); err != nil {
			logger.Warn("cannot adjust oom_score_adj", "value", *cfg.OOMScoreAdj, "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The reaper outlives the control socket so containers exiting
	// during shutdown are still reaped and notified.
	reaperContext, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	processReaper := reaper.New(logger, clock.Real())
	if err := processReaper.BecomeSubreaper(); err != nil {
		logger.Warn("cannot become child subreaper; orphaned container processes will not be reaped here", "error", err)
	}
	reaperStopped := make(chan struct{})
	go func() {
		defer close(reaperStopped)
		processReaper.Run(reaperContext)
	}()
	defer func() {
		stopReaper()
		<-reaperStopped
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	monitorMetrics := metrics.New(registry)
	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, registry, logger); err != nil {
				logger.Error("metrics endpoint failed", "listen", cfg.Metrics.Listen, "error", err)
			}
		}()
	}

	runtime := ociruntime.New(ociruntime.Options{
		Path:   cfg.Runtime.Path,
		Root:   cfg.Runtime.Root,
		Reaper: processReaper,
		Logger: logger.With("component", "runtime"),
	})
	monitor := newMonitor(cfg, runtime, processReaper, logger, monitorMetrics)

	server := rpc.NewServer(rpc.ServerOptions{
		SocketPath:       cfg.Paths.Socket,
		ConnectionPolicy: cfg.Transport.ConnectionPolicy,
		MaxFrameSize:     cfg.Transport.MaxFrameSize,
		Logger:           logger.With("component", "rpc"),
		Metrics:          monitorMetrics,
	})
	monitor.register(server)

	logger.Info("bureau-conmon started",
		"version", version.Info(),
		"socket", cfg.Paths.Socket,
		"runtime", cfg.Runtime.Path,
		"pid", os.Getpid(),
	)

	serveErr := server.Serve(ctx)

	logger.Info("shutting down")
	shutdownContext, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := monitor.shutdown(shutdownContext); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return serveErr
}

// setOOMScoreAdj writes value to the process's own oom_score_adj.
// Lowering the score needs CAP_SYS_RESOURCE.
func setOOMScoreAdj(value int) error {
	return os.WriteFile("/proc/self/oom_score_adj", []byte(strconv.Itoa(value)), 0o644)
}
