package ripc

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("invalid on message callback")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrBufferFull is returned when the send buffer is full and cannot accept more messages.
	// This error indicates backpressure - the peer is not draining messages fast enough.
	// Recommended handling strategies:
	//   - Drop the message (for non-critical data like metrics)
	//   - Use WriteBlocking or WriteTimeout to wait for buffer space
	//   - Implement application-level flow control
	ErrBufferFull = errors.New("send buffer full")
)

type outbound struct {
	data     []byte
	priority Priority
	flags    WriteFlags
}

// Conn runs a Channel over a TCP connection with asynchronous writes and
// heartbeats. Received messages are handed to the OnMessage callback from the
// read loop; pings are answered and not delivered.
type Conn struct {
	rawConn *net.TCPConn
	channel *Channel
	logger  Logger

	opts options

	sendMsg chan outbound
	closed  atomic.Bool
	done    chan struct{}
}

// NewConn creates a new connection wrapper around the given TCP connection.
// It applies the provided options and validates them before returning.
// Returns an error if the onMessage option is missing or the channel options
// are invalid.
func NewConn(conn *net.TCPConn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkConnOptions(&opts); err != nil {
		return nil, err
	}

	channel, err := newChannel(conn, opts)
	if err != nil {
		return nil, err
	}

	return &Conn{
		rawConn: conn,
		channel: channel,
		logger:  withFields(opts.logger, "addr", conn.RemoteAddr().String()),
		opts:    opts,
		sendMsg: make(chan outbound, opts.bufferSize),
		done:    make(chan struct{}),
	}, nil
}

// Channel returns the channel the connection runs.
func (c *Conn) Channel() *Channel {
	return c.channel
}

// Run starts the connection's read, write and heartbeat loops.
// It blocks until an error occurs or the context is canceled.
// The connection is automatically closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established")
	c.logger.Debug("connection options",
		"buffer_size", c.opts.bufferSize,
		"max_message_size", c.opts.maxMessageSize,
		"heartbeat", c.opts.heartbeat)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	group.Go(func() error {
		return c.heartbeatLoop(child)
	})

	// Unblock a read parked on the socket once any loop exits.
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-child.Done():
		}
		_ = c.rawConn.SetReadDeadline(time.Now())
	}()

	err := group.Wait()
	c.closeConn()

	switch {
	case errors.Is(err, ErrEndOfStream):
		c.logger.Info("connection closed by peer")
	case err != nil && !errors.Is(err, context.Canceled):
		c.logger.Info("connection closed with error", "error", err)
	default:
		c.logger.Info("connection closed")
	}

	return err
}

// Close gracefully closes the connection.
// It cancels the context and closes the underlying TCP connection.
// Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	close(c.done)
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Write queues data for sending at priority without blocking.
// data must not be modified until it has been written.
//
// Returns:
//   - nil: message was successfully queued (not yet sent)
//   - ErrBufferFull: send buffer is full, message was NOT queued
//   - ErrConnectionClosed: connection is closed
//
// For guaranteed delivery, use WriteBlocking or WriteTimeout instead.
func (c *Conn) Write(data []byte, priority Priority) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	select {
	case c.sendMsg <- outbound{data: data, priority: priority}:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking queues data, blocking until there is room or the context is
// canceled.
func (c *Conn) WriteBlocking(ctx context.Context, data []byte, priority Priority) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	select {
	case c.sendMsg <- outbound{data: data, priority: priority}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteTimeout queues data, waiting at most timeout for room. It returns
// ErrBufferFull when the timeout expires.
func (c *Conn) WriteTimeout(data []byte, priority Priority, timeout time.Duration) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.sendMsg <- outbound{data: data, priority: priority}:
		return nil
	case <-timer.C:
		return ErrBufferFull
	}
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// readLoop reads messages from the channel until the stream ends, a read
// fails, or the context is canceled. Protocol errors always end the loop.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.heartbeat * 2))

		message, err := c.channel.Read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Debug("read error", "error", err)
			if IsFatal(err) || c.opts.onError(err) == Disconnect {
				return err
			}
			continue
		}

		switch message.Kind {
		case KindPing:
			if _, err := c.channel.Pong(message.Data); err != nil {
				return err
			}
			continue
		case KindPong:
			continue
		}

		if err = c.opts.onMessage(message); err != nil {
			return err
		}
	}
}

// writeLoop writes queued messages, flushing once the send buffer is empty so
// bursts share a vectored write.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out := <-c.sendMsg:
			if err := c.write(out); err != nil {
				return err
			}
			if len(c.sendMsg) > 0 {
				continue
			}
			if err := c.flush(); err != nil {
				return err
			}
		}
	}
}

// heartbeatLoop pings the peer every heartbeat interval.
func (c *Conn) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.heartbeat * 2))
			if _, err := c.channel.Ping(); err != nil {
				c.logger.Debug("ping error", "error", err)
				if c.opts.onError(err) == Disconnect {
					return err
				}
			}
		}
	}
}

// write hands one message to the channel with a deadline.
// If an error occurs and onError returns Disconnect, the error is propagated.
// Otherwise, the error is suppressed and writing continues.
func (c *Conn) write(out outbound) error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.heartbeat * 2))

	_, err := c.channel.WriteMessage(out.data, out.priority, out.flags)
	if err != nil {
		c.logger.Debug("write error", "error", err)
		if errors.Is(err, ErrChannelClosed) || c.opts.onError(err) == Disconnect {
			return err
		}
	}

	return nil
}

func (c *Conn) flush() error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.heartbeat * 2))

	if _, err := c.channel.Flush(); err != nil {
		c.logger.Debug("flush error", "error", err)
		if errors.Is(err, ErrChannelClosed) || c.opts.onError(err) == Disconnect {
			return err
		}
	}
	return nil
}

// closeConn closes the channel, marks the connection as closed and closes the
// underlying TCP connection.
func (c *Conn) closeConn() {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.channel.Close()
	c.closed.Store(true)
	_ = c.rawConn.Close()
}
