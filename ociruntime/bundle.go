// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ociruntime

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/conmon/lib/ipc"
)

// BundleConfig is the subset of an OCI bundle's config.json the
// supervisor checks before handing the bundle to the runtime.
type BundleConfig struct {
	Process *struct {
		Terminal bool     `json:"terminal"`
		Args     []string `json:"args"`
	} `json:"process"`
	Root *struct {
		Path string `json:"path"`
	} `json:"root"`
}

// ValidateBundle checks that bundlePath is a directory holding a
// config.json that parses (comments and trailing commas tolerated) and
// names a process and a root filesystem. Failures are bundle_error.
func ValidateBundle(bundlePath string) (*BundleConfig, error) {
	if bundlePath == "" {
		return nil, ipc.Errorf(ipc.CodeBundleError, "bundle path is empty")
	}
	info, err := os.Stat(bundlePath)
	if err != nil {
		return nil, ipc.Errorf(ipc.CodeBundleError, "bundle %s: %w", bundlePath, err)
	}
	if !info.IsDir() {
		return nil, ipc.Errorf(ipc.CodeBundleError, "bundle %s is not a directory", bundlePath)
	}

	configPath := filepath.Join(bundlePath, "config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ipc.Errorf(ipc.CodeBundleError, "bundle %s has no config.json", bundlePath)
		}
		return nil, ipc.Errorf(ipc.CodeBundleError, "reading %s: %w", configPath, err)
	}

	var config BundleConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &config); err != nil {
		return nil, ipc.Errorf(ipc.CodeBundleError, "parsing %s: %w", configPath, err)
	}
	if config.Process == nil {
		return nil, ipc.Errorf(ipc.CodeBundleError, "%s has no process section", configPath)
	}
	if config.Root == nil || config.Root.Path == "" {
		return nil, ipc.Errorf(ipc.CodeBundleError, "%s has no root.path", configPath)
	}
	return &config, nil
}
