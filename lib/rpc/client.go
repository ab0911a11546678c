// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/conmon/lib/codec"
	"github.com/bureau-foundation/conmon/lib/ipc"
)

// dialTimeout bounds the connect phase only.
const dialTimeout = 5 * time.Second

// ErrClientClosed is returned by calls made on, or interrupted by, a
// closed client.
var ErrClientClosed = errors.New("rpc client closed")

// Client is a multiplexed control socket client. Calls may be made
// concurrently; responses are matched to calls by request ID.
type Client struct {
	conn         net.Conn
	maxFrameSize int
	nextID       atomic.Uint64

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[uint64]chan ipc.Response
	closeErr error
	closed   chan struct{}
}

// Dial connects to the control socket at socketPath.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	client := &Client{
		conn:         conn,
		maxFrameSize: codec.DefaultMaxFrameSize,
		pending:      make(map[uint64]chan ipc.Response),
		closed:       make(chan struct{}),
	}
	go client.readLoop()
	return client, nil
}

// Call sends method with params and decodes the response data into
// result (which may be nil). A failed request returns *ipc.RemoteError.
// If ctx ends first, a cancel request is sent for the call and
// ctx.Err() is returned.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	request := ipc.Request{ID: c.nextID.Add(1), Method: method}
	if params != nil {
		encoded, err := codec.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
		request.Params = encoded
	}

	responses := make(chan ipc.Response, 1)
	c.mu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	c.pending[request.ID] = responses
	c.mu.Unlock()

	if err := c.send(request); err != nil {
		c.forget(request.ID)
		return fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case response := <-responses:
		return decodeResponse(method, response, result)
	case <-ctx.Done():
		c.forget(request.ID)
		c.sendCancel(request.ID)
		return ctx.Err()
	case <-c.closed:
		select {
		case response := <-responses:
			// Answered just before the connection went away.
			return decodeResponse(method, response, result)
		default:
		}
		return c.err()
	}
}

func decodeResponse(method string, response ipc.Response, result any) error {
	if !response.OK {
		remote := &ipc.RemoteError{Method: method, Code: ipc.CodeInternalError}
		if response.Error != nil {
			remote.Code = response.Error.Code
			remote.Message = response.Error.Message
		}
		return remote
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) send(request ipc.Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return codec.WriteFrame(c.conn, request, c.maxFrameSize)
}

// sendCancel asks the server to abandon request id. The server's
// answer (to the cancel itself) is discarded.
func (c *Client) sendCancel(id uint64) {
	encoded, err := codec.Marshal(ipc.CancelParams{RequestID: id})
	if err != nil {
		return
	}
	c.send(ipc.Request{ID: c.nextID.Add(1), Method: ipc.MethodCancel, Params: encoded})
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	for {
		raw, err := codec.ReadFrame(c.conn, c.maxFrameSize)
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrClientClosed, err))
			return
		}
		var response ipc.Response
		if err := codec.Unmarshal(raw, &response); err != nil {
			c.shutdown(fmt.Errorf("%w: malformed response: %v", ErrClientClosed, err))
			return
		}
		if response.ID == 0 {
			// Unsolicited: the server refused the connection.
			refusal := &ipc.RemoteError{Method: "connect", Code: ipc.CodeProtocolError}
			if response.Error != nil {
				refusal.Code = response.Error.Code
				refusal.Message = response.Error.Message
			}
			c.shutdown(refusal)
			return
		}

		c.mu.Lock()
		responses, found := c.pending[response.ID]
		delete(c.pending, response.ID)
		c.mu.Unlock()
		if found {
			responses <- response
		}
	}
}

// shutdown records why the client stopped and fails every pending
// call. Only the first reason is kept.
func (c *Client) shutdown(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return
	}
	c.closeErr = reason
	close(c.closed)
	c.conn.Close()
}

func (c *Client) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close disconnects. In-flight calls fail with ErrClientClosed and the
// server cancels their handlers.
func (c *Client) Close() error {
	c.shutdown(ErrClientClosed)
	return nil
}
