// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// OpenPTY allocates a pseudo-terminal pair through /dev/ptmx and
// returns the master and the path of its unlocked slave.
func OpenPTY() (master *os.File, slavePath string, err error) {
	master, err = os.OpenFile("/dev/ptmx", os.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, "", fmt.Errorf("opening /dev/ptmx: %w", err)
	}
	descriptor := int(master.Fd())

	ptyNumber, err := unix.IoctlGetInt(descriptor, unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, "", fmt.Errorf("reading pty number: %w", err)
	}
	if err := unix.IoctlSetPointerInt(descriptor, unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		return nil, "", fmt.Errorf("unlocking pty slave: %w", err)
	}
	return master, fmt.Sprintf("/dev/pts/%d", ptyNumber), nil
}

// SetWindowSize applies a terminal size to a pty master. The kernel
// delivers SIGWINCH to the slave's foreground process group.
func SetWindowSize(master *os.File, width, height uint16) error {
	size := &unix.Winsize{Col: width, Row: height}
	if err := unix.IoctlSetWinsize(int(master.Fd()), unix.TIOCSWINSZ, size); err != nil {
		return fmt.Errorf("setting window size %dx%d: %w", width, height, err)
	}
	return nil
}

// WindowSize reads the current size of a pty.
func WindowSize(file *os.File) (width, height uint16, err error) {
	size, err := unix.IoctlGetWinsize(int(file.Fd()), unix.TIOCGWINSZ)
	if err != nil {
		return 0, 0, fmt.Errorf("reading window size: %w", err)
	}
	return size.Col, size.Row, nil
}

// IsHangup reports whether err is the EIO a pty master returns once
// every slave descriptor is closed. For a container's terminal this is
// end of output, not a failure.
func IsHangup(err error) bool {
	return errors.Is(err, syscall.EIO)
}
