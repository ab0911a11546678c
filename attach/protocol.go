// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package attach

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Message types of the attach wire format. Each message is a 5-byte
// header (1 byte type, 4 byte big-endian payload length) followed by
// the payload.
const (
	// MessageTypeStdin carries bytes for the process's input.
	// Client to server.
	MessageTypeStdin byte = 0x01

	// MessageTypeResize carries terminal dimensions: columns then
	// rows, each a big-endian uint16. Client to server.
	MessageTypeResize byte = 0x02

	// MessageTypeStdout and MessageTypeStderr carry process output.
	// Server to client. A terminal's output is always Stdout.
	MessageTypeStdout byte = 0x03
	MessageTypeStderr byte = 0x04
)

const messageHeaderLength = 5

// MaxPayloadLength bounds a single message.
const MaxPayloadLength = 16 * 1024 * 1024

// Message is one attach protocol message.
type Message struct {
	Type    byte
	Payload []byte
}

// WriteMessage writes message to w in a single Write, so one writer
// never interleaves a header with another message's payload.
func WriteMessage(w io.Writer, message Message) error {
	if len(message.Payload) > MaxPayloadLength {
		return fmt.Errorf("payload length %d exceeds maximum %d", len(message.Payload), MaxPayloadLength)
	}
	frame := make([]byte, messageHeaderLength+len(message.Payload))
	frame[0] = message.Type
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(message.Payload)))
	copy(frame[messageHeaderLength:], message.Payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing attach message: %w", err)
	}
	return nil
}

// ReadMessage reads one message from r. A clean end of stream before
// the header is returned as io.EOF.
func ReadMessage(r io.Reader) (Message, error) {
	var header [messageHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("reading attach message header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[1:5])
	if length > MaxPayloadLength {
		return Message{}, fmt.Errorf("payload length %d exceeds maximum %d", length, MaxPayloadLength)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("reading attach message payload: %w", err)
	}
	return Message{Type: header[0], Payload: payload}, nil
}

// NewResizeMessage builds a resize message.
func NewResizeMessage(columns, rows uint16) Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], columns)
	binary.BigEndian.PutUint16(payload[2:4], rows)
	return Message{Type: MessageTypeResize, Payload: payload}
}

// ParseResizePayload extracts columns and rows from a resize payload.
func ParseResizePayload(payload []byte) (columns, rows uint16, err error) {
	if len(payload) != 4 {
		return 0, 0, fmt.Errorf("resize payload must be 4 bytes, got %d", len(payload))
	}
	return binary.BigEndian.Uint16(payload[0:2]), binary.BigEndian.Uint16(payload[2:4]), nil
}
