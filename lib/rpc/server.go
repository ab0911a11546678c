// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/conmon/lib/codec"
	"github.com/bureau-foundation/conmon/lib/config"
	"github.com/bureau-foundation/conmon/lib/ipc"
	"github.com/bureau-foundation/conmon/lib/metrics"
)

// HandlerFunc serves one method. params is the raw CBOR of the
// request's params field (possibly empty). A nil result produces a
// bare {ok: true} response.
type HandlerFunc func(ctx context.Context, params codec.RawMessage) (any, error)

// writeTimeout bounds a single response write. A client that stops
// reading cannot wedge handler goroutines forever.
const writeTimeout = 10 * time.Second

// ServerOptions configures a Server.
type ServerOptions struct {
	SocketPath string

	// ConnectionPolicy is config.ConnectionPolicyReject (the default)
	// or config.ConnectionPolicyQueue.
	ConnectionPolicy string

	// MaxFrameSize bounds request frames. Zero means
	// codec.DefaultMaxFrameSize.
	MaxFrameSize int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server dispatches control socket requests to registered handlers.
type Server struct {
	options  ServerOptions
	handlers map[string]HandlerFunc

	// busy is set while a connection is being served, including
	// until its last handler has returned.
	busy atomic.Bool

	activeConnections sync.WaitGroup
}

// NewServer returns a server for options. Register handlers with
// Handle before calling Serve.
func NewServer(options ServerOptions) *Server {
	if options.ConnectionPolicy == "" {
		options.ConnectionPolicy = config.ConnectionPolicyReject
	}
	if options.MaxFrameSize <= 0 {
		options.MaxFrameSize = codec.DefaultMaxFrameSize
	}
	return &Server{
		options:  options,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers handler for method. Panics on a duplicate or on the
// reserved cancel method.
func (s *Server) Handle(method string, handler HandlerFunc) {
	if method == ipc.MethodCancel {
		panic("rpc.Server: the cancel method is built in")
	}
	if _, exists := s.handlers[method]; exists {
		panic(fmt.Sprintf("rpc.Server: duplicate handler for method %q", method))
	}
	s.handlers[method] = handler
}

// Serve listens on the socket and serves connections until ctx is
// done, then waits for the active connection's handlers to return. A
// stale socket file is replaced; the socket is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	socketPath := s.options.SocketPath
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket %s: %w", socketPath, err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o660); err != nil {
		listener.Close()
		os.Remove(socketPath)
		return fmt.Errorf("setting socket permissions on %s: %w", socketPath, err)
	}
	return s.serveListener(ctx, listener)
}

func (s *Server) serveListener(ctx context.Context, listener net.Listener) error {
	logger := s.options.Logger
	defer func() {
		listener.Close()
		os.Remove(s.options.SocketPath)
	}()

	stopAccepting := context.AfterFunc(ctx, func() { listener.Close() })
	defer stopAccepting()

	logger.Info("control socket listening",
		"path", s.options.SocketPath,
		"connection_policy", s.options.ConnectionPolicy,
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			logger.Error("accept failed", "error", err)
			continue
		}

		if !s.busy.CompareAndSwap(false, true) {
			// Only reachable under the reject policy: the queue
			// policy does not accept while busy.
			s.activeConnections.Add(1)
			go func() {
				defer s.activeConnections.Done()
				s.reject(conn)
			}()
			continue
		}

		connectionDone := make(chan struct{})
		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			defer close(connectionDone)
			s.serveConnection(ctx, conn)
		}()

		if s.options.ConnectionPolicy == config.ConnectionPolicyQueue {
			select {
			case <-connectionDone:
			case <-ctx.Done():
			}
		}
	}

	s.activeConnections.Wait()
	return nil
}

// reject tells a second client the supervisor is busy and hangs up.
func (s *Server) reject(conn net.Conn) {
	defer conn.Close()
	s.options.Logger.Warn("rejecting connection while another client is connected")
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	codec.WriteFrame(conn, ipc.Response{
		ID: 0,
		Error: &ipc.ErrorBody{
			Code:    ipc.CodeProtocolError,
			Message: "another client is already connected",
		},
	}, s.options.MaxFrameSize)
}

// serverConnection is the state of one served connection.
type serverConnection struct {
	server *Server
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	inflightMu sync.Mutex
	inflight   map[uint64]context.CancelFunc

	requests sync.WaitGroup
}

func (s *Server) serveConnection(ctx context.Context, conn net.Conn) {
	connectionContext, cancelAll := context.WithCancel(ctx)
	connection := &serverConnection{
		server:   s,
		conn:     conn,
		logger:   s.options.Logger,
		inflight: make(map[uint64]context.CancelFunc),
	}
	connection.logger.Debug("client connected")

	// A server shutdown unblocks the read loop.
	stopReading := context.AfterFunc(ctx, func() { conn.Close() })

	connection.readLoop(connectionContext)

	stopReading()
	cancelAll()
	connection.requests.Wait()
	// Clear busy before the hangup is visible, so a client that
	// reconnects as soon as it sees EOF is served, not refused.
	s.busy.Store(false)
	conn.Close()
	connection.logger.Debug("client disconnected")
}

func (c *serverConnection) readLoop(ctx context.Context) {
	for {
		raw, err := codec.ReadFrame(c.conn, c.server.options.MaxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Warn("closing connection after unreadable frame", "error", err)
			}
			return
		}

		var request ipc.Request
		if err := codec.Unmarshal(raw, &request); err != nil {
			c.logger.Warn("closing connection after malformed request", "error", err)
			return
		}
		if request.Method == "" {
			c.logger.Warn("closing connection after request without method", "id", request.ID)
			return
		}

		if request.Method == ipc.MethodCancel {
			c.handleCancel(request)
			continue
		}

		handler, exists := c.server.handlers[request.Method]
		if !exists {
			c.respondError(request, time.Now(), ipc.Errorf(ipc.CodeProtocolError, "unknown method %q", request.Method))
			continue
		}

		requestContext, cancel := context.WithCancel(ctx)
		c.inflightMu.Lock()
		_, duplicate := c.inflight[request.ID]
		if !duplicate {
			c.inflight[request.ID] = cancel
		}
		c.inflightMu.Unlock()
		if duplicate {
			cancel()
			c.respondError(request, time.Now(), ipc.Errorf(ipc.CodeProtocolError, "request id %d is already in flight", request.ID))
			continue
		}

		c.requests.Add(1)
		go func() {
			defer c.requests.Done()
			c.run(requestContext, request, handler)
			c.inflightMu.Lock()
			delete(c.inflight, request.ID)
			c.inflightMu.Unlock()
			cancel()
		}()
	}
}

func (c *serverConnection) run(ctx context.Context, request ipc.Request, handler HandlerFunc) {
	started := time.Now()
	result, err := handler(ctx, request.Params)
	if err != nil {
		c.respondError(request, started, err)
		return
	}

	response := ipc.Response{ID: request.ID, OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			c.respondError(request, started, ipc.Errorf(ipc.CodeInternalError, "encoding %s result: %w", request.Method, err))
			return
		}
		response.Data = data
	}
	c.server.options.Metrics.RPCHandled(request.Method, "ok", time.Since(started))
	c.write(response)
}

func (c *serverConnection) handleCancel(request ipc.Request) {
	started := time.Now()
	var params ipc.CancelParams
	if err := codec.Unmarshal(request.Params, &params); err != nil {
		c.respondError(request, started, ipc.Errorf(ipc.CodeProtocolError, "decoding cancel params: %w", err))
		return
	}
	c.inflightMu.Lock()
	cancel, found := c.inflight[params.RequestID]
	c.inflightMu.Unlock()
	if !found {
		c.respondError(request, started, ipc.Errorf(ipc.CodeNotFound, "no request %d in flight", params.RequestID))
		return
	}
	cancel()
	c.server.options.Metrics.RPCHandled(request.Method, "ok", time.Since(started))
	c.write(ipc.Response{ID: request.ID, OK: true})
}

func (c *serverConnection) respondError(request ipc.Request, started time.Time, err error) {
	body := ipc.Body(err)
	c.logger.Debug("request failed",
		"method", request.Method,
		"id", request.ID,
		"code", body.Code,
		"error", err,
	)
	c.server.options.Metrics.RPCHandled(request.Method, string(body.Code), time.Since(started))
	c.write(ipc.Response{ID: request.ID, Error: body})
}

// write sends one response. Frames are written whole under writeMu so
// concurrent handlers never interleave bytes.
func (c *serverConnection) write(response ipc.Response) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := codec.WriteFrame(c.conn, response, c.server.options.MaxFrameSize)
	if errors.Is(err, codec.ErrFrameTooLarge) {
		// Nothing was written; the client still gets an answer.
		c.logger.Warn("response exceeds frame limit", "id", response.ID, "error", err)
		err = codec.WriteFrame(c.conn, ipc.Response{
			ID:    response.ID,
			Error: &ipc.ErrorBody{Code: ipc.CodeIOError, Message: err.Error()},
		}, c.server.options.MaxFrameSize)
	}
	if err != nil {
		c.logger.Debug("failed to write response", "id", response.ID, "error", err)
	}
}
