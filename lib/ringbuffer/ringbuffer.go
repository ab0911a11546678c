// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ringbuffer provides a fixed-capacity byte buffer that keeps
// the most recent bytes written to it. exec_sync captures each output
// stream into one so a chatty command cannot grow the supervisor's
// memory without bound; the caller receives the tail of the output.
package ringbuffer

import "sync"

// Buffer is a circular byte buffer. Writes never fail; once full,
// each write overwrites the oldest bytes. Safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	storage []byte
	next    int    // position of the next write within storage
	written uint64 // total bytes ever written
}

// New returns a Buffer that retains at most capacity bytes. Panics if
// capacity is not positive.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic("ringbuffer: capacity must be positive")
	}
	return &Buffer{storage: make([]byte, capacity)}
}

// Write implements io.Writer. It always consumes all of data.
func (b *Buffer) Write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	length := len(data)
	b.written += uint64(length)

	capacity := len(b.storage)
	if length >= capacity {
		// Only the last capacity bytes survive.
		copy(b.storage, data[length-capacity:])
		b.next = 0
		return length, nil
	}
	first := copy(b.storage[b.next:], data)
	copy(b.storage, data[first:])
	b.next = (b.next + length) % capacity
	return length, nil
}

// Bytes returns a copy of the retained bytes, oldest first.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := uint64(len(b.storage))
	if b.written < capacity {
		return append([]byte(nil), b.storage[:b.next]...)
	}
	result := make([]byte, 0, capacity)
	result = append(result, b.storage[b.next:]...)
	return append(result, b.storage[:b.next]...)
}

// Written returns the total number of bytes ever written.
func (b *Buffer) Written() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

// Truncated reports whether older bytes have been discarded.
func (b *Buffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written > uint64(len(b.storage))
}
