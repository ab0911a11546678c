// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/conmon/lib/codec"
	"github.com/bureau-foundation/conmon/lib/config"
	"github.com/bureau-foundation/conmon/lib/ipc"
	"github.com/bureau-foundation/conmon/lib/testutil"
)

type echoParams struct {
	Text string `cbor:"text"`
}

// startServer serves server on a fresh socket and returns its path.
// Cleanup stops the server and waits for Serve to return.
func startServer(t *testing.T, server *Server) string {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "conmon.sock")
	server.options.SocketPath = socketPath

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, served, 10*time.Second, "Serve returning"); err != nil {
			t.Errorf("Serve: %v", err)
		}
	})

	// Serve creates the socket asynchronously.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			return socketPath
		}
		if time.Now().After(deadline) {
			t.Fatalf("socket %s never appeared", socketPath)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestServer(policy string) *Server {
	server := NewServer(ServerOptions{
		ConnectionPolicy: policy,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	server.Handle("echo", func(ctx context.Context, raw codec.RawMessage) (any, error) {
		var params echoParams
		if err := codec.Unmarshal(raw, &params); err != nil {
			return nil, ipc.Errorf(ipc.CodeProtocolError, "decoding echo params: %w", err)
		}
		return params, nil
	})
	server.Handle("missing", func(ctx context.Context, raw codec.RawMessage) (any, error) {
		return nil, ipc.Errorf(ipc.CodeNotFound, "container %q", "ghost")
	})
	return server
}

func dial(t *testing.T, socketPath string) *Client {
	t.Helper()
	client, err := Dial(context.Background(), socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCallRoundtrip(t *testing.T) {
	socketPath := startServer(t, newTestServer(config.ConnectionPolicyReject))
	client := dial(t, socketPath)

	var result echoParams
	if err := client.Call(context.Background(), "echo", echoParams{Text: "hello"}, &result); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.Text != "hello" {
		t.Errorf("echo result = %q, want hello", result.Text)
	}
}

func TestErrorsKeepConnection(t *testing.T) {
	socketPath := startServer(t, newTestServer(config.ConnectionPolicyReject))
	client := dial(t, socketPath)
	ctx := context.Background()

	err := client.Call(ctx, "no_such_method", nil, nil)
	var remote *ipc.RemoteError
	if !errors.As(err, &remote) || remote.Code != ipc.CodeProtocolError {
		t.Fatalf("unknown method error = %v, want protocol_error", err)
	}

	err = client.Call(ctx, "missing", nil, nil)
	if !errors.As(err, &remote) || remote.Code != ipc.CodeNotFound {
		t.Fatalf("handler error = %v, want not_found", err)
	}

	// Undecodable params fail the request, not the connection.
	err = client.Call(ctx, "echo", []int{1, 2}, nil)
	if !errors.As(err, &remote) || remote.Code != ipc.CodeProtocolError {
		t.Fatalf("bad params error = %v, want protocol_error", err)
	}

	if err := client.Call(ctx, "echo", echoParams{Text: "still here"}, nil); err != nil {
		t.Fatalf("call after errors: %v", err)
	}
}

func TestResponsesOutOfOrder(t *testing.T) {
	server := newTestServer(config.ConnectionPolicyReject)
	release := make(chan struct{})
	server.Handle("slow", func(ctx context.Context, raw codec.RawMessage) (any, error) {
		select {
		case <-release:
			return "slow done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	socketPath := startServer(t, server)
	client := dial(t, socketPath)

	slowResult := make(chan error, 1)
	go func() { slowResult <- client.Call(context.Background(), "slow", nil, nil) }()

	// The fast call completes while the slow one is still running.
	if err := client.Call(context.Background(), "echo", echoParams{Text: "fast"}, nil); err != nil {
		t.Fatalf("fast call: %v", err)
	}
	select {
	case err := <-slowResult:
		t.Fatalf("slow call finished before release: %v", err)
	default:
	}

	close(release)
	if err := testutil.RequireReceive(t, slowResult, 5*time.Second, "slow call"); err != nil {
		t.Fatalf("slow call: %v", err)
	}
}

func TestContextCancellationReachesHandler(t *testing.T) {
	server := newTestServer(config.ConnectionPolicyReject)
	handlerCancelled := make(chan struct{})
	server.Handle("block", func(ctx context.Context, raw codec.RawMessage) (any, error) {
		<-ctx.Done()
		close(handlerCancelled)
		return nil, ctx.Err()
	})
	socketPath := startServer(t, server)
	client := dial(t, socketPath)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := client.Call(ctx, "block", nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Call = %v, want DeadlineExceeded", err)
	}
	testutil.RequireClosed(t, handlerCancelled, 5*time.Second, "handler context cancelled by cancel request")
}

func TestDisconnectCancelsInflight(t *testing.T) {
	server := newTestServer(config.ConnectionPolicyReject)
	started := make(chan struct{})
	handlerCancelled := make(chan struct{})
	server.Handle("block", func(ctx context.Context, raw codec.RawMessage) (any, error) {
		close(started)
		<-ctx.Done()
		close(handlerCancelled)
		return nil, ctx.Err()
	})
	socketPath := startServer(t, server)
	client := dial(t, socketPath)

	callResult := make(chan error, 1)
	go func() { callResult <- client.Call(context.Background(), "block", nil, nil) }()
	testutil.RequireClosed(t, started, 5*time.Second, "handler started")

	client.Close()
	testutil.RequireClosed(t, handlerCancelled, 5*time.Second, "handler cancelled by disconnect")
	if err := testutil.RequireReceive(t, callResult, 5*time.Second, "call result"); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Call after Close = %v, want ErrClientClosed", err)
	}
}

func TestRejectPolicyRefusesSecondClient(t *testing.T) {
	socketPath := startServer(t, newTestServer(config.ConnectionPolicyReject))
	first := dial(t, socketPath)
	if err := first.Call(context.Background(), "echo", echoParams{Text: "first"}, nil); err != nil {
		t.Fatalf("first client: %v", err)
	}

	second := dial(t, socketPath)
	testutil.RequireClosed(t, second.closed, 5*time.Second, "second client refused")
	err := second.Call(context.Background(), "echo", echoParams{Text: "second"}, nil)
	var remote *ipc.RemoteError
	if !errors.As(err, &remote) || remote.Code != ipc.CodeProtocolError {
		t.Fatalf("second client error = %v, want protocol_error refusal", err)
	}

	// The first connection is unaffected.
	if err := first.Call(context.Background(), "echo", echoParams{Text: "again"}, nil); err != nil {
		t.Fatalf("first client after refusal: %v", err)
	}
}

func TestQueuePolicyServesInTurn(t *testing.T) {
	socketPath := startServer(t, newTestServer(config.ConnectionPolicyQueue))
	first := dial(t, socketPath)
	if err := first.Call(context.Background(), "echo", echoParams{Text: "first"}, nil); err != nil {
		t.Fatalf("first client: %v", err)
	}

	second := dial(t, socketPath)
	secondResult := make(chan error, 1)
	go func() {
		secondResult <- second.Call(context.Background(), "echo", echoParams{Text: "second"}, nil)
	}()

	select {
	case err := <-secondResult:
		t.Fatalf("queued client served while first connected: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	first.Close()
	if err := testutil.RequireReceive(t, secondResult, 5*time.Second, "queued call"); err != nil {
		t.Fatalf("queued client: %v", err)
	}
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	socketPath := startServer(t, newTestServer(config.ConnectionPolicyReject))

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()

	// A frame whose body is not a CBOR request.
	garbage := []byte{0xff, 0xff, 0xff}
	frame := make([]byte, 4+len(garbage))
	binary.BigEndian.PutUint32(frame, uint32(len(garbage)))
	copy(frame[4:], garbage)
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("writing garbage frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 16)); !errors.Is(err, io.EOF) {
		t.Fatalf("read after malformed frame = %v, want EOF", err)
	}

	// The server keeps serving new clients.
	client := dial(t, socketPath)
	if err := client.Call(context.Background(), "echo", echoParams{Text: "recovered"}, nil); err != nil {
		t.Fatalf("call after malformed frame: %v", err)
	}
}

func TestServeRemovesSocket(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "conmon.sock")
	if err := os.WriteFile(socketPath, []byte("stale"), 0o600); err != nil {
		t.Fatalf("writing stale file: %v", err)
	}
	server := newTestServer(config.ConnectionPolicyReject)
	server.options.SocketPath = socketPath

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		info, err := os.Stat(socketPath)
		if err == nil && info.Mode()&os.ModeSocket != 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stale file was not replaced by a socket")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := testutil.RequireReceive(t, served, 5*time.Second, "Serve returning"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if _, err := os.Stat(socketPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket still present after shutdown: %v", err)
	}
}
