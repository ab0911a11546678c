// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// frameHeaderLength is the size of the big-endian length prefix that
// precedes every frame body.
const frameHeaderLength = 4

// DefaultMaxFrameSize bounds a single frame body. exec_sync responses
// carry captured output, so this is larger than any request needs.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned by ReadFrame when the length prefix
// exceeds the reader's limit, and by WriteFrame when the encoded value
// does.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// WriteFrame encodes v as CBOR and writes it to w behind a 4-byte
// big-endian length prefix. Header and body go out in a single Write
// so concurrent writers serialized by a mutex never interleave.
func WriteFrame(w io.Writer, v any, maxSize int) error {
	body, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if maxSize > 0 && len(body) > maxSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(body), maxSize)
	}
	frame := make([]byte, frameHeaderLength+len(body))
	binary.BigEndian.PutUint32(frame[:frameHeaderLength], uint32(len(body)))
	copy(frame[frameHeaderLength:], body)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and returns the raw
// CBOR body. io.EOF is returned unwrapped when the stream ends cleanly
// on a frame boundary; a stream cut inside a frame yields
// io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, maxSize int) (RawMessage, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if maxSize > 0 && uint64(length) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, length, maxSize)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return RawMessage(body), nil
}
