// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding configuration and the
// length-prefixed framing used on the conmon control socket.
//
// Every message on the control socket is one frame: a 4-byte
// big-endian body length followed by a single CBOR value. The encoder
// uses Core Deterministic Encoding (RFC 8949 §4.2), so the same logical
// message always produces identical bytes.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For the control socket:
//
//	err := codec.WriteFrame(conn, response, codec.DefaultMaxFrameSize)
//	raw, err := codec.ReadFrame(conn, codec.DefaultMaxFrameSize)
//
// Schema types carry `cbor` struct tags only. They are never marshaled
// to JSON.
package codec
