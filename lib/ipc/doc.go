// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the CBOR wire schema of the conmon control
// socket: the request and response envelopes, the method names, the
// per-method parameter and result structs, and the error taxonomy
// every failure is reported in.
//
// Every request carries a caller-chosen ID; the response echoes it.
// Requests run concurrently, so responses may arrive out of order and
// clients must match them by ID. The zero ID is reserved for responses
// that do not answer any request (a rejected second connection).
//
// Failures travel as an [ErrorBody] with a machine-readable [ErrorCode].
// Inside the process, components return *[Error] values (or wrap them
// with fmt.Errorf %w) and the dispatcher recovers the code with
// [CodeOf].
package ipc
