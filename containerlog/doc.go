// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package containerlog persists container output in the Kubernetes CRI
// log format.
//
// Each line of output becomes one record:
//
//	2026-01-02T15:04:05.000000000Z stdout F hello world
//
// The tag is F for a complete line and P for a partial one: a trailing
// segment with no newline yet, or a piece of a line too long for one
// record. Concatenating P records up to the next F record rebuilds the
// original line.
//
// A [CRILogger] with a size limit truncates its file in place instead
// of letting it grow past the limit; no record is ever larger than the
// limit, so the file stays within it. External log rotation works by
// renaming the file and calling [CRILogger.Reopen], which starts a new
// file at the configured path without losing or repeating a byte.
package containerlog
