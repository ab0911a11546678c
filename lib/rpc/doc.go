// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc serves the conmon control protocol on a unix socket and
// provides the matching client.
//
// Each frame is a length-prefixed CBOR value (see lib/codec). The
// client sends [ipc.Request] frames; the server answers each with one
// [ipc.Response] carrying the same ID. A connection may have many
// requests in flight: every request runs in its own goroutine and its
// response is written when it finishes, so responses can arrive in any
// order.
//
// The server serves one connection at a time. Under the reject policy
// a second client receives a protocol_error response with ID 0 and is
// disconnected; under the queue policy it waits in the listen backlog
// until the current connection closes.
//
// A request's context is cancelled by a "cancel" request naming its
// ID, by the connection closing, or by the server shutting down.
// Frames that cannot be parsed as a request end the connection; an
// unknown method or undecodable parameters only fail that request.
package rpc
