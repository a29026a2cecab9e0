package ripc

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Handler handles the messages of every connection accepted by a Server.
type Handler interface {
	// Handle is called from the connection's read loop for each data message.
	// Returning an error closes the connection.
	Handle(conn *Conn, message Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(conn *Conn, message Message) error

func (f HandlerFunc) Handle(conn *Conn, message Message) error {
	return f(conn, message)
}

// Server represents a TCP server that runs a Conn for each accepted connection.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration
	connOptions     []Option

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
	conns       map[*Conn]struct{}
	wg          sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server will wait up to this duration
// before closing the listener. This gives existing connections time to complete.
// Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerConnOptions sets the options every accepted connection is created
// with, such as the protocol, version and compression negotiated out of band.
func ServerConnOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.connOptions = append(s.connOptions, opts...)
	}
}

// New creates a new TCP server bound to the specified address.
// Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener:    listener,
		logger:      defaultLogger(),
		shutdownNow: make(chan struct{}),
		conns:       make(map[*Conn]struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Serve starts accepting connections and running them with handler.
// It blocks until the context is canceled or an unrecoverable error occurs,
// then waits for every connection it started to finish.
// If ServerShutdownTimeoutOption is set, the server waits up to the specified
// duration before stopping, allowing existing connections to complete. Call
// Close() to bypass the timeout and shut down immediately.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer func() {
		cancelConns()
		s.wg.Wait()
	}()

	// Start a goroutine to handle context cancellation
	go func() {
		<-ctx.Done()

		// Wait for shutdown timeout if configured, but allow early exit via Close()
		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
			case <-s.shutdownNow:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			}
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	for {
		raw, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}

			// Check if it's a temporary error
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", raw.RemoteAddr())
		_ = raw.SetNoDelay(true)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(connCtx, raw, handler)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, raw *net.TCPConn, handler Handler) {
	var conn *Conn
	opts := append(append([]Option{LoggerOption(s.logger)}, s.connOptions...),
		OnMessageOption(func(m Message) error {
			return handler.Handle(conn, m)
		}))

	conn, err := NewConn(raw, opts...)
	if err != nil {
		s.logger.Error("connection setup failed", "remote_addr", raw.RemoteAddr(), "error", err)
		_ = raw.Close()
		return
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	_ = conn.Run(ctx)

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Conns returns the number of running connections.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops the server by closing the underlying listener and every running
// connection. If a shutdown timeout is configured, Close() bypasses the
// remaining timeout. Any blocked Accept calls will return with an error.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	// Signal to bypass any pending shutdown timeout
	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	for _, c := range conns {
		_ = c.Close()
	}
	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
