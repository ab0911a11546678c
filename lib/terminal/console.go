// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// ConsoleSocket receives a pty master from the OCI runtime.
type ConsoleSocket struct {
	path     string
	listener *net.UnixListener
}

// ListenConsole creates the console socket at path, replacing any
// stale file. Only the owner may connect.
func ListenConsole(path string) (*ConsoleSocket, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale console socket %s: %w", path, err)
	}
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listening on console socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("setting console socket permissions: %w", err)
	}
	return &ConsoleSocket{path: path, listener: listener}, nil
}

// Path returns the socket path to pass as --console-socket.
func (c *ConsoleSocket) Path() string { return c.path }

// ReceiveMaster accepts one connection and returns the descriptor it
// carries. Cancelling ctx (or closing the socket) aborts the wait; the
// runtime process exiting without connecting is noticed by the caller,
// which closes the socket.
func (c *ConsoleSocket) ReceiveMaster(ctx context.Context) (*os.File, error) {
	stop := context.AfterFunc(ctx, func() { c.listener.Close() })
	defer stop()

	connection, err := c.listener.AcceptUnix()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("waiting for console: %w", ctx.Err())
		}
		return nil, fmt.Errorf("accepting console connection: %w", err)
	}
	defer connection.Close()

	name := make([]byte, 4096)
	control := make([]byte, unix.CmsgSpace(4))
	_, controlLength, _, _, err := connection.ReadMsgUnix(name, control)
	if err != nil {
		return nil, fmt.Errorf("reading console message: %w", err)
	}
	messages, err := unix.ParseSocketControlMessage(control[:controlLength])
	if err != nil {
		return nil, fmt.Errorf("parsing console control message: %w", err)
	}

	var descriptors []int
	for index := range messages {
		if messages[index].Header.Level != unix.SOL_SOCKET || messages[index].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		rights, err := unix.ParseUnixRights(&messages[index])
		if err != nil {
			return nil, fmt.Errorf("parsing console descriptor: %w", err)
		}
		descriptors = append(descriptors, rights...)
	}
	if len(descriptors) != 1 {
		for _, descriptor := range descriptors {
			unix.Close(descriptor)
		}
		return nil, fmt.Errorf("console message carried %d descriptors, want 1", len(descriptors))
	}
	unix.CloseOnExec(descriptors[0])
	// Non-blocking mode lets os.NewFile register the descriptor with
	// the runtime poller, so closing the file unblocks a pending read.
	if err := unix.SetNonblock(descriptors[0], true); err != nil {
		unix.Close(descriptors[0])
		return nil, fmt.Errorf("setting pty master non-blocking: %w", err)
	}
	return os.NewFile(uintptr(descriptors[0]), "pty-master"), nil
}

// Close stops listening and removes the socket file.
func (c *ConsoleSocket) Close() error {
	err := c.listener.Close()
	if removeErr := os.Remove(c.path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		return removeErr
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// SendMaster connects to the console socket at path and sends master
// in one SCM_RIGHTS message, the way an OCI runtime does.
func SendMaster(path string, master *os.File) error {
	connection, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return fmt.Errorf("connecting to console socket %s: %w", path, err)
	}
	defer connection.Close()

	rights := unix.UnixRights(int(master.Fd()))
	if _, _, err := connection.WriteMsgUnix([]byte(master.Name()), rights, nil); err != nil {
		return fmt.Errorf("sending pty master: %w", err)
	}
	return nil
}
