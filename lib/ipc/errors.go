// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failed request.
type ErrorCode string

const (
	// CodeSpawnError: the runtime could not be launched or reported
	// failure.
	CodeSpawnError ErrorCode = "spawn_error"

	// CodeBundleError: the bundle directory or its config.json is
	// missing or invalid.
	CodeBundleError ErrorCode = "bundle_error"

	// CodeDuplicateID: a container with this ID was already created
	// by this supervisor.
	CodeDuplicateID ErrorCode = "duplicate_id"

	// CodeNotFound: no container or exec session with this ID is in a
	// state that accepts the operation.
	CodeNotFound ErrorCode = "not_found"

	CodeTimeout    ErrorCode = "timeout"
	CodeNoTerminal ErrorCode = "no_terminal"
	CodeIOError    ErrorCode = "io_error"

	// CodeProtocolError: the request was malformed (unknown method,
	// undecodable or invalid parameters) or the connection was
	// refused.
	CodeProtocolError ErrorCode = "protocol_error"

	// CodeInternalError: anything not otherwise classified.
	CodeInternalError ErrorCode = "internal_error"
)

// Error is a classified failure. Components return it directly or
// wrapped; the dispatcher reports Code and the full error text.
// Message is the complete description; when it is empty the wrapped
// cause's text is used.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" || e.Err == nil {
		return e.Message
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so callers can test
// errors.Is(err, &ipc.Error{Code: ipc.CodeNotFound}).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Errorf builds an *Error with a formatted message. A %w verb in
// format becomes the wrapped cause.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	formatted := fmt.Errorf(format, args...)
	return &Error{Code: code, Message: formatted.Error(), Err: errors.Unwrap(formatted)}
}

// Wrap classifies err under code, keeping its text.
func Wrap(code ErrorCode, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternalError if there is none.
func CodeOf(err error) ErrorCode {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Code
	}
	return CodeInternalError
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// Body converts err into its wire form.
func Body(err error) *ErrorBody {
	return &ErrorBody{Code: CodeOf(err), Message: err.Error()}
}

// RemoteError is returned by clients when the server answers with
// ok=false.
type RemoteError struct {
	Method  string
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed (%s): %s", e.Method, e.Code, e.Message)
}
