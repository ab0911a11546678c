// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version carries build metadata for bureau-conmon. The
// variables are injected with -ldflags -X at link time and fall back to
// development defaults otherwise:
//
//	go build -ldflags "-X github.com/bureau-foundation/conmon/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// The "version" RPC method reports [Current]; --version prints [Info].
package version
