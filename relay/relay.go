// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/conmon/lib/metrics"
	"github.com/bureau-foundation/conmon/lib/terminal"
)

// Stream identifies which output a chunk came from. A terminal merges
// both streams; its output is reported as Stdout.
type Stream uint8

const (
	Stdout Stream = 1
	Stderr Stream = 2
)

func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	}
	return fmt.Sprintf("stream(%d)", uint8(s))
}

// Chunk is one read from a process output. Data is shared by every
// subscriber and must not be modified.
type Chunk struct {
	Stream Stream
	Data   []byte
}

// Source is one output descriptor to pump. The relay closes Reader on
// Close when it implements io.Closer.
type Source struct {
	Stream Stream
	Reader io.Reader
}

var (
	// ErrClosed is returned by Subscribe on a closed relay.
	ErrClosed = errors.New("relay closed")

	// ErrNoInput is returned by WriteInput when the process was
	// started without an input stream.
	ErrNoInput = errors.New("process has no input stream")

	// ErrNoTerminal is returned by Resize when the process has no
	// terminal.
	ErrNoTerminal = errors.New("process has no terminal")
)

// DefaultReadBufferSize is used when Options.ReadBufferSize is zero.
const DefaultReadBufferSize = 32 * 1024

// Options configures a Relay.
type Options struct {
	// Kind labels the relay in logs and metrics ("container" or
	// "exec").
	Kind string

	// Input receives WriteInput bytes: the stdin pipe's write end or
	// the pty master. Nil when the process has no input.
	Input io.Writer

	// Terminal is the pty master, for Resize. Nil for pipe stdio.
	Terminal *os.File

	ReadBufferSize int

	// OnPumpError is called (from the pump goroutine) when a read
	// fails with anything other than end of stream.
	OnPumpError func(Stream, error)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Relay broadcasts process output and forwards process input.
type Relay struct {
	options Options
	sources []Source

	subscribersMu sync.Mutex
	subscribers   atomic.Pointer[[]*Subscription]
	closed        bool

	deliverMu sync.Mutex
	nextID    atomic.Uint64

	inputMu sync.Mutex

	startOnce sync.Once
	pumps     sync.WaitGroup
	drained   chan struct{}

	closeOnce sync.Once
}

// New returns a relay with no sources running yet.
func New(options Options) *Relay {
	if options.ReadBufferSize <= 0 {
		options.ReadBufferSize = DefaultReadBufferSize
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	relay := &Relay{
		options: options,
		drained: make(chan struct{}),
	}
	relay.subscribers.Store(&[]*Subscription{})
	return relay
}

// Start launches one pump per source. Only the first call has any
// effect. With no sources, Drained is closed immediately.
func (r *Relay) Start(sources ...Source) {
	r.startOnce.Do(func() {
		r.sources = sources
		for _, source := range sources {
			r.pumps.Add(1)
			go r.pump(source)
		}
		go func() {
			r.pumps.Wait()
			close(r.drained)
		}()
	})
}

// Drained is closed once every pump has reached end of stream (or
// failed). Everything the process wrote has been delivered by then.
func (r *Relay) Drained() <-chan struct{} {
	return r.drained
}

func (r *Relay) pump(source Source) {
	defer r.pumps.Done()
	buffer := make([]byte, r.options.ReadBufferSize)
	for {
		n, err := source.Reader.Read(buffer)
		if n > 0 {
			r.deliver(Chunk{Stream: source.Stream, Data: slices.Clone(buffer[:n])})
		}
		if err == nil {
			continue
		}
		if isEndOfStream(err) {
			return
		}
		r.options.Logger.Warn("output pump failed",
			"relay", r.options.Kind,
			"stream", source.Stream.String(),
			"error", err,
		)
		if r.options.OnPumpError != nil {
			r.options.OnPumpError(source.Stream, err)
		}
		return
	}
}

// isEndOfStream reports whether a read error means the writer side is
// gone rather than that something broke. A pty master reports EIO once
// the last slave descriptor closes; a descriptor closed by Close
// reports os.ErrClosed.
func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || terminal.IsHangup(err)
}

// deliver offers chunk to every current subscriber without blocking.
func (r *Relay) deliver(chunk Chunk) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	for _, subscription := range *r.subscribers.Load() {
		if !subscription.offer(chunk) {
			r.drop(subscription)
		}
	}
}

// Subscribe registers a subscriber with a channel of capacity depth.
func (r *Relay) Subscribe(depth int) (*Subscription, error) {
	if depth <= 0 {
		depth = 1
	}
	subscription := &Subscription{
		id:     r.nextID.Add(1),
		chunks: make(chan Chunk, depth),
	}

	r.subscribersMu.Lock()
	defer r.subscribersMu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	current := *r.subscribers.Load()
	next := make([]*Subscription, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, subscription)
	r.subscribers.Store(&next)
	return subscription, nil
}

// Unsubscribe removes the subscriber with id and closes its channel.
// Unknown IDs are ignored.
func (r *Relay) Unsubscribe(id uint64) {
	if subscription := r.remove(id); subscription != nil {
		subscription.close()
	}
}

// SubscriberCount returns the number of registered subscribers.
func (r *Relay) SubscriberCount() int {
	return len(*r.subscribers.Load())
}

func (r *Relay) remove(id uint64) *Subscription {
	r.subscribersMu.Lock()
	defer r.subscribersMu.Unlock()
	current := *r.subscribers.Load()
	index := slices.IndexFunc(current, func(candidate *Subscription) bool { return candidate.id == id })
	if index < 0 {
		return nil
	}
	removed := current[index]
	next := make([]*Subscription, 0, len(current)-1)
	next = append(next, current[:index]...)
	next = append(next, current[index+1:]...)
	r.subscribers.Store(&next)
	return removed
}

func (r *Relay) drop(subscription *Subscription) {
	if r.remove(subscription.id) == nil {
		return
	}
	subscription.dropped.Store(true)
	subscription.close()
	r.options.Metrics.SubscriberDropped(r.options.Kind)
	r.options.Logger.Warn("dropped slow output subscriber",
		"relay", r.options.Kind,
		"subscriber", subscription.id,
		"queue_depth", cap(subscription.chunks),
	)
}

// WriteInput forwards data to the process's input. Concurrent writers
// are serialized; each call's bytes arrive contiguously.
func (r *Relay) WriteInput(data []byte) (int, error) {
	if r.options.Input == nil {
		return 0, ErrNoInput
	}
	r.inputMu.Lock()
	defer r.inputMu.Unlock()
	return r.options.Input.Write(data)
}

// HasInput reports whether WriteInput can succeed.
func (r *Relay) HasInput() bool { return r.options.Input != nil }

// Resize sets the terminal size of the process.
func (r *Relay) Resize(width, height uint16) error {
	if r.options.Terminal == nil {
		return ErrNoTerminal
	}
	return terminal.SetWindowSize(r.options.Terminal, width, height)
}

// Close unregisters every subscriber (closing their channels) and
// closes the input, the terminal, and every source. Pumps blocked in
// a read return. Safe to call more than once.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		r.subscribersMu.Lock()
		r.closed = true
		current := *r.subscribers.Load()
		r.subscribers.Store(&[]*Subscription{})
		r.subscribersMu.Unlock()

		for _, subscription := range current {
			subscription.close()
		}

		closers := make([]io.Closer, 0, len(r.sources)+2)
		if closer, ok := r.options.Input.(io.Closer); ok {
			closers = append(closers, closer)
		}
		if r.options.Terminal != nil {
			closers = append(closers, r.options.Terminal)
		}
		for _, source := range r.sources {
			if closer, ok := source.Reader.(io.Closer); ok {
				closers = append(closers, closer)
			}
		}
		for _, closer := range closers {
			// The terminal is usually also a source and the input.
			closer.Close()
		}
	})
}

// Subscription is one registered consumer of a relay.
type Subscription struct {
	id      uint64
	chunks  chan Chunk
	dropped atomic.Bool

	mu     sync.Mutex
	closed bool
}

// ID identifies the subscription for Unsubscribe.
func (s *Subscription) ID() uint64 { return s.id }

// Chunks delivers output until the subscription is removed, when it
// is closed.
func (s *Subscription) Chunks() <-chan Chunk { return s.chunks }

// Dropped reports whether the relay removed this subscriber because
// its channel overflowed.
func (s *Subscription) Dropped() bool { return s.dropped.Load() }

// offer sends chunk without blocking. Returns false if the channel was
// full. The mutex orders the send against close.
func (s *Subscription) offer(chunk Chunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.chunks <- chunk:
		return true
	default:
		return false
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.chunks)
	}
}
