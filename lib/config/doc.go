// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the bureau-conmon configuration.
//
// The configuration is one YAML file named by --config or the
// CONMON_CONFIG environment variable. Without either, [Default]
// applies. A file only names what differs from the defaults; every
// other field keeps its default value.
//
// Path fields accept ${VAR} and ${VAR:-default}, expanded against the
// process environment after loading. Durations are Go duration
// strings ("5s").
//
// Command-line flags override file values; the binary applies them
// after loading and before calling [Config.Validate], which reports
// every problem at once through errors.Join.
package config
