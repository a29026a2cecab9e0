package ripc

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Zereker/ripc/compress"
)

// mockHandler echoes every message and records what it saw.
type mockHandler struct {
	mu       sync.Mutex
	conns    map[*Conn]struct{}
	messages [][]byte
	handleCh chan *Conn
}

func newMockHandler() *mockHandler {
	return &mockHandler{
		conns:    make(map[*Conn]struct{}),
		handleCh: make(chan *Conn, 10),
	}
}

func (h *mockHandler) Handle(conn *Conn, message Message) error {
	data := append([]byte(nil), message.Data...)

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.messages = append(h.messages, data)
	h.mu.Unlock()

	select {
	case h.handleCh <- conn:
	default:
	}
	return conn.Write(data, PriorityMedium)
}

func (h *mockHandler) getConns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func dialChannel(t *testing.T, server *Server, opts ...Option) (*net.TCPConn, *Channel) {
	t.Helper()

	raw, err := net.DialTCP("tcp", nil, server.listener.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	ch, err := NewChannel(raw, opts...)
	if err != nil {
		raw.Close()
		t.Fatalf("NewChannel failed: %v", err)
	}
	return raw, ch
}

func TestNew(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	server, err := New(addr)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer server.Close()

	if server.listener == nil {
		t.Error("listener is nil")
	}
}

func TestNew_InvalidAddr(t *testing.T) {
	// First create a listener to occupy a port
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	server1, err := New(addr)
	if err != nil {
		t.Fatalf("first New failed: %v", err)
	}
	defer server1.Close()

	// Try to listen on the same port - should fail
	occupiedAddr := server1.listener.Addr().(*net.TCPAddr)
	_, err = New(occupiedAddr)
	if err == nil {
		t.Error("expected error for occupied port")
	}
}

func TestServer_Close(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	server, err := New(addr)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = server.Close()
	if err != nil {
		t.Errorf("Close failed: %v", err)
	}

	// Verify listener is closed by trying to accept
	_, err = server.listener.AcceptTCP()
	if err == nil {
		t.Error("expected error after close")
	}
}

func TestServer_Addr(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	server, err := New(addr)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer server.Close()

	serverAddr := server.Addr()
	if serverAddr == nil {
		t.Error("Addr returned nil")
	}
}

func TestServer_Serve(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	server, err := New(addr, ServerLoggerOption(DiscardLogger()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	handler := newMockHandler()
	ctx, cancel := context.WithCancel(context.Background())

	// Start serving in goroutine
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, handler)
	}()

	// Give server time to start
	time.Sleep(time.Millisecond * 50)

	clientConn, client := dialChannel(t, server)
	defer clientConn.Close()

	if _, err := client.WriteMessage([]byte("ping me back"), PriorityHigh, WriteDirectSocketWrite); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	// Wait for handler to receive the message
	select {
	case conn := <-handler.handleCh:
		if conn == nil {
			t.Error("handler received nil connection")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for handler")
	}

	msg := readData(t, clientConn, client)
	if string(msg.Data) != "ping me back" {
		t.Errorf("echo = %q, want %q", msg.Data, "ping me back")
	}
	if n := server.Conns(); n != 1 {
		t.Errorf("Conns = %d, want 1", n)
	}

	// Cancel context to stop server
	cancel()

	// Wait for Serve to return
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}

	if n := server.Conns(); n != 0 {
		t.Errorf("Conns after shutdown = %d, want 0", n)
	}
}

func TestServer_Serve_MultipleConnections(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	server, err := New(addr,
		ServerLoggerOption(DiscardLogger()),
		ServerConnOptions(CompressionOption(compress.LZ4, 0), PackingOption(true)),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	handler := newMockHandler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start serving in goroutine
	go server.Serve(ctx, handler)

	// Give server time to start
	time.Sleep(time.Millisecond * 50)

	// Connect multiple clients
	numClients := 5
	payload := bytes.Repeat([]byte("0123456789"), 100)
	type client struct {
		raw *net.TCPConn
		ch  *Channel
	}
	clients := make([]client, numClients)
	for i := 0; i < numClients; i++ {
		raw, ch := dialChannel(t, server, CompressionOption(compress.LZ4, 0))
		clients[i] = client{raw: raw, ch: ch}
		if _, err := ch.WriteMessage(payload, PriorityLow, WriteDirectSocketWrite); err != nil {
			t.Fatalf("client %d write failed: %v", i, err)
		}
	}

	for i, c := range clients {
		msg := readData(t, c.raw, c.ch)
		if !bytes.Equal(msg.Data, payload) {
			t.Errorf("client %d: echo of %d bytes, want %d", i, len(msg.Data), len(payload))
		}
	}

	// Verify handler saw every connection
	if n := handler.getConns(); n != numClients {
		t.Errorf("handler saw %d connections, want %d", n, numClients)
	}

	// Close all client connections
	for _, c := range clients {
		c.raw.Close()
	}

	deadline := time.Now().Add(5 * time.Second)
	for server.Conns() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := server.Conns(); n != 0 {
		t.Errorf("Conns after clients left = %d, want 0", n)
	}
}

func TestServer_Serve_ContextCanceled(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	server, err := New(addr)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	handler := newMockHandler()
	ctx, cancel := context.WithCancel(context.Background())

	// Start serving in goroutine
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, handler)
	}()

	// Give server time to start
	time.Sleep(time.Millisecond * 50)

	// Cancel context
	cancel()

	// Wait for Serve to return
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_Close_WhileServing(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	server, err := New(addr,
		ServerLoggerOption(DiscardLogger()),
		ServerShutdownTimeoutOption(time.Minute),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	handler := newMockHandler()
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(context.Background(), handler)
	}()

	time.Sleep(time.Millisecond * 50)

	clientConn, client := dialChannel(t, server)
	defer clientConn.Close()
	if _, err := client.WriteMessage([]byte("hi"), PriorityHigh, WriteDirectSocketWrite); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	<-handler.handleCh

	if err := server.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil from Serve after Close, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}
