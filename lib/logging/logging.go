// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging builds the supervisor's slog.Logger from its log
// configuration.
//
// With no file configured, records go to stderr: slog.TextHandler when
// stderr is a terminal and slog.JSONHandler otherwise, unless the
// format is forced. With a file, records are JSON and the file is
// rotated by size through lumberjack, so a supervisor that lives as
// long as its container cannot fill the disk with its own log.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
	"golang.org/x/term"

	"github.com/bureau-foundation/conmon/lib/config"
)

// New returns the logger described by cfg and a closer for its sink.
// The closer is a no-op for stderr.
func New(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	options := &slog.HandlerOptions{Level: level}

	if cfg.File != "" {
		sink := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
		return slog.New(newHandler(sink, cfg.Format, false, options)), sink, nil
	}

	interactive := term.IsTerminal(int(os.Stderr.Fd()))
	return slog.New(newHandler(os.Stderr, cfg.Format, interactive, options)), nopCloser{}, nil
}

// newHandler picks the handler for format. "auto" means text for an
// interactive sink and JSON for anything else.
func newHandler(sink io.Writer, format string, interactive bool, options *slog.HandlerOptions) slog.Handler {
	switch format {
	case "text":
		return slog.NewTextHandler(sink, options)
	case "json":
		return slog.NewJSONHandler(sink, options)
	}
	if interactive {
		return slog.NewTextHandler(sink, options)
	}
	return slog.NewJSONHandler(sink, options)
}

// ParseLevel converts a configured level name.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
