// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bureau-foundation/conmon/lib/config"
)

// exitContent renders the body of an exit notification file.
func exitContent(format, id string, code int) []byte {
	switch format {
	case config.ExitContentContainerID:
		return []byte(id)
	case config.ExitContentBoth:
		return []byte(id + " " + strconv.Itoa(code))
	default:
		return []byte(strconv.Itoa(code))
	}
}

// writeFileAtomic replaces path with data so readers never observe a
// partial file. Parent directories are created.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	file, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temporary file for %s: %w", path, err)
	}
	temporaryPath := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing %s: %w", temporaryPath, err)
	}
	if err := file.Chmod(0o644); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("setting permissions on %s: %w", temporaryPath, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing %s: %w", temporaryPath, err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming %s into place: %w", path, err)
	}
	return nil
}

// memoryEventsPath returns the cgroup v2 memory.events file of pid's
// cgroup under cgroupRoot, or "" when pid is not in a unified
// hierarchy.
func memoryEventsPath(cgroupRoot string, pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return ""
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		// The unified hierarchy is the "0::<path>" line.
		if path, ok := strings.CutPrefix(scanner.Text(), "0::"); ok {
			return filepath.Join(cgroupRoot, path, "memory.events")
		}
	}
	return ""
}

// oomKillCount reads the oom_kill counter from a memory.events file.
func oomKillCount(path string) (uint64, bool) {
	if path == "" {
		return 0, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	for line := range strings.Lines(string(data)) {
		key, value, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok || key != "oom_kill" {
			continue
		}
		count, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return 0, false
		}
		return count, true
	}
	return 0, false
}
