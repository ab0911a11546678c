// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version, set manually for releases.
	Version = "0.1.0-dev"

	// Tag is the release tag the binary was built from, if any.
	Tag = ""

	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty is "true" if the tree had uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"
)

// Build describes the running binary. It is the payload of the
// "version" RPC method.
type Build struct {
	Version   string `cbor:"version"`
	Tag       string `cbor:"tag"`
	Commit    string `cbor:"commit"`
	BuildDate string `cbor:"build_date"`
	GoVersion string `cbor:"go_version"`
	Platform  string `cbor:"platform"`
}

// Current returns the build metadata of this binary.
func Current() Build {
	commit := GitCommit
	if GitDirty == "true" {
		commit += "-dirty"
	}
	return Build{
		Version:   Version,
		Tag:       Tag,
		Commit:    commit,
		BuildDate: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Info returns the one-line --version string.
func Info() string {
	build := Current()
	return fmt.Sprintf("%s (%s, %s, %s %s)",
		build.Version, build.Commit, build.BuildDate, build.GoVersion, build.Platform)
}
