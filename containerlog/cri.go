// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package containerlog

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bureau-foundation/conmon/lib/clock"
	"github.com/bureau-foundation/conmon/lib/metrics"
	"github.com/bureau-foundation/conmon/relay"
)

// TimestampFormat is RFC 3339 with fixed-width nanoseconds, so records
// sort lexically.
const TimestampFormat = "2006-01-02T15:04:05.000000000Z07:00"

const (
	tagFull    = 'F'
	tagPartial = 'P'
)

// MinMaxSize is the smallest usable rotation limit. Below it the
// timestamp and tags of a record leave almost no room for content.
const MinMaxSize = 1024

// ErrClosed is returned by writes to a closed logger.
var ErrClosed = errors.New("log file closed")

// Options configures a CRILogger.
type Options struct {
	Path string

	// MaxSize is the file size limit in bytes. Zero disables
	// truncation. Callers should not go below MinMaxSize.
	MaxSize int64

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// CRILogger writes container output to one CRI-format file. Writes,
// truncation, and reopen are serialized.
type CRILogger struct {
	options Options

	mu   sync.Mutex
	file *os.File
	size int64

	// closed is set by Close. A nil file with closed unset means a
	// truncation failed to reopen the path; Reopen recovers from it.
	closed bool

	// record is reused across frames; guarded by mu.
	record []byte
}

// NewCRILogger opens (creating if needed) the log file for appending.
func NewCRILogger(options Options) (*CRILogger, error) {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(filepath.Dir(options.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory for %s: %w", options.Path, err)
	}
	logger := &CRILogger{options: options}
	if err := logger.openLocked(0); err != nil {
		return nil, err
	}
	return logger, nil
}

// Path returns the log file path.
func (l *CRILogger) Path() string { return l.options.Path }

// openLocked opens the file at the configured path. extraFlags is
// os.O_TRUNC to truncate.
func (l *CRILogger) openLocked(extraFlags int) error {
	file, err := os.OpenFile(l.options.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND|extraFlags, 0o640)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", l.options.Path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("reading log file size %s: %w", l.options.Path, err)
	}
	l.file = file
	l.size = info.Size()
	return nil
}

// Write records data from stream. All records from one call share a
// timestamp.
func (l *CRILogger) Write(stream relay.Stream, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.file == nil {
		if err := l.openLocked(0); err != nil {
			l.options.Metrics.LogWriteFailed()
			return err
		}
	}

	header := fmt.Appendf(nil, "%s %s ", l.options.Clock.Now().Format(TimestampFormat), stream)
	for len(data) > 0 {
		line := data
		tag := byte(tagPartial)
		if newline := bytes.IndexByte(data, '\n'); newline >= 0 {
			line = data[:newline]
			tag = tagFull
			data = data[newline+1:]
		} else {
			data = nil
		}
		if err := l.writeLineLocked(header, line, tag); err != nil {
			return err
		}
	}
	return nil
}

// writeLineLocked writes one line as one or more records, splitting
// content so no record exceeds MaxSize. Every piece but the last is
// tagged partial.
func (l *CRILogger) writeLineLocked(header, line []byte, tag byte) error {
	// header + tag + space + content + newline
	overhead := len(header) + 3
	room := len(line)
	if l.options.MaxSize > 0 {
		room = max(int(l.options.MaxSize)-overhead, 1)
	}
	for {
		piece, pieceTag := line, tag
		if len(line) > room {
			piece, pieceTag = line[:room], tagPartial
		}
		if err := l.writeRecordLocked(header, piece, pieceTag); err != nil {
			return err
		}
		line = line[len(piece):]
		if len(line) == 0 {
			return nil
		}
	}
}

func (l *CRILogger) writeRecordLocked(header, content []byte, tag byte) error {
	record := append(l.record[:0], header...)
	record = append(record, tag, ' ')
	record = append(record, content...)
	record = append(record, '\n')
	l.record = record

	limit := l.options.MaxSize
	if limit > 0 && l.size > 0 && l.size+int64(len(record)) > limit {
		if err := l.truncateLocked(); err != nil {
			return err
		}
	}

	n, err := l.file.Write(record)
	l.size += int64(n)
	if err != nil {
		l.options.Metrics.LogWriteFailed()
		return fmt.Errorf("writing log file %s: %w", l.options.Path, err)
	}

	// Only a record larger than the limit on its own gets here; it is
	// never kept past the next write.
	if limit > 0 && l.size > limit {
		return l.truncateLocked()
	}
	return nil
}

func (l *CRILogger) truncateLocked() error {
	l.file.Close()
	l.file = nil
	if err := l.openLocked(os.O_TRUNC); err != nil {
		return fmt.Errorf("truncating: %w", err)
	}
	l.options.Metrics.LogRotated()
	l.options.Logger.Debug("truncated container log", "path", l.options.Path, "max_size", l.options.MaxSize)
	return nil
}

// Reopen closes the file and opens the configured path again, creating
// it if it was moved away. Calling it repeatedly is the same as calling
// it once.
func (l *CRILogger) Reopen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	previous := l.file
	if err := l.openLocked(0); err != nil {
		return err
	}
	if previous != nil {
		previous.Close()
	}
	return nil
}

// Close closes the file. Later writes fail with ErrClosed.
func (l *CRILogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Consume writes every chunk from subscription until the relay closes
// it. If the relay drops the subscription for falling behind, a new
// one is taken from source so logging continues (the overflowed chunks
// are lost).
func (l *CRILogger) Consume(source *relay.Relay, subscription *relay.Subscription, depth int) {
	failures := 0
	for {
		for chunk := range subscription.Chunks() {
			if err := l.Write(chunk.Stream, chunk.Data); err != nil {
				if failures == 0 {
					l.options.Logger.Warn("container log write failed", "path", l.options.Path, "error", err)
				}
				failures++
			}
		}
		if !subscription.Dropped() {
			break
		}
		l.options.Logger.Warn("container log fell behind; output was lost", "path", l.options.Path)
		next, err := source.Subscribe(depth)
		if err != nil {
			break
		}
		subscription = next
	}
	if failures > 1 {
		l.options.Logger.Warn("container log write failures", "path", l.options.Path, "count", failures)
	}
}
