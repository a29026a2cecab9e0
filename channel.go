// Package ripc implements the RIPC transport core: the read buffer state
// machine, fragmentation and reassembly, and the write pipeline that frames,
// packs, compresses and fragments application messages over native RIPC,
// HTTP chunked tunnels or WebSocket.
package ripc

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/Zereker/ripc/compress"
	"github.com/Zereker/ripc/wire"
)

// ChannelInfo describes the negotiated parameters of a channel.
type ChannelInfo struct {
	Protocol        ProtocolKind
	Version         Version
	MaxFragmentSize int
	Compression     compress.Type
	Packing         bool
}

// Channel runs the RIPC transport over an already negotiated byte stream.
// Reads and writes are independent; each side is safe for concurrent use only
// when its locking option is set.
type Channel struct {
	rw     io.ReadWriter
	opts   options
	logger Logger

	reader *Reader
	writer *Writer
	inflate,
	deflate compress.Compressor

	rmu, wmu sync.Mutex
	closed   atomic.Bool
}

// NewChannel creates a channel over rw. The caller keeps ownership of rw;
// Close sends the protocol's close frame but does not close rw.
func NewChannel(rw io.ReadWriter, opt ...Option) (*Channel, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	return newChannel(rw, opts)
}

func newChannel(rw io.ReadWriter, opts options) (*Channel, error) {
	c := &Channel{
		rw:     rw,
		opts:   opts,
		logger: withFields(opts.logger, "protocol", opts.protocol.Kind().String()),
	}

	cfg, ok := compressionConfig(opts)
	if ok {
		var err error
		if c.deflate, err = compress.New(cfg); err != nil {
			return nil, errors.Wrap(err, "output compressor")
		}
		if c.inflate, err = compress.New(cfg); err != nil {
			return nil, errors.Wrap(err, "input compressor")
		}
	}

	writer, err := NewWriter(rw, WriterConfig{
		Protocol:          opts.protocol,
		Version:           opts.version,
		Compressor:        c.deflate,
		LowThreshold:      opts.lowThreshold,
		HighThreshold:     opts.highThreshold,
		MaxFragmentSize:   opts.maxFragmentSize,
		HighWaterMark:     opts.highWaterMark,
		GuaranteedBuffers: opts.guaranteedBuffers,
		FlushStrategy:     opts.flushStrategy,
		Packing:           opts.packing,
		Logger:            c.logger,
		Metrics:           opts.metrics,
	})
	if err != nil {
		return nil, err
	}
	c.writer = writer

	p := opts.protocol
	capacity := opts.numInputBuffers * (opts.maxFragmentSize + wire.HeaderSize + p.MaxHeaderLength() + p.TrailerLength())
	c.reader = NewReader(capacity, MachineConfig{
		Protocol:       p,
		Compressor:     c.inflate,
		Version:        opts.version,
		MaxMessageSize: opts.maxMessageSize,

		MaxInFlightFragments: opts.maxInFlightFrags,
		Logger:               c.logger,
	})

	c.logger.Debug("channel created",
		"version", int(opts.version),
		"max_fragment_size", opts.maxFragmentSize,
		"compression", cfg.Type.String(),
		"packing", opts.packing)
	return c, nil
}

// compressionConfig derives the codec for the channel. WebSocket JSON uses
// raw deflate when permessage-deflate was negotiated and nothing otherwise.
func compressionConfig(opts options) (compress.Config, bool) {
	cfg := compress.Config{
		Type:                opts.compression,
		Level:               opts.compressionLevel,
		NoContextTakeover:   opts.noContextTakeover,
		MaxDecompressedSize: opts.maxMessageSize,
	}
	if ws, ok := opts.protocol.(*WebSocketProtocol); ok && !ws.CarriesRIPC() {
		if !ws.Deflate {
			return compress.Config{}, false
		}
		cfg.Type = compress.Zlib
		cfg.Raw = true
	}
	return cfg, cfg.Type != compress.None
}

// Info returns the negotiated channel parameters.
func (c *Channel) Info() ChannelInfo {
	info := ChannelInfo{
		Protocol:        c.opts.protocol.Kind(),
		Version:         c.opts.version,
		MaxFragmentSize: c.opts.maxFragmentSize,
		Packing:         c.opts.packing,
	}
	if c.deflate != nil {
		info.Compression = c.deflate.Type()
	}
	return info
}

// Read returns the next message. Data is valid until the next Read. Heartbeat
// messages are returned with kind KindPing or KindPong.
func (c *Channel) Read() (Message, error) {
	if c.closed.Load() {
		return Message{}, ErrChannelClosed
	}
	if c.opts.readLocking {
		c.rmu.Lock()
		defer c.rmu.Unlock()
	}

	msg, err := c.reader.Next(c.rw)
	m := c.reader.Machine()
	c.opts.metrics.read(m.TakeStats())
	for n := m.takeFragments(); n > 0; n-- {
		c.opts.metrics.fragmentRead()
	}
	if err != nil {
		c.readFailed(err)
		return Message{}, err
	}
	c.opts.metrics.messageRead(msg.Kind)
	return msg, nil
}

func (c *Channel) readFailed(err error) {
	var pe *ProtocolError
	switch {
	case errors.As(err, &pe):
		c.opts.metrics.protocolError(pe.Op)
		c.logger.Warn("protocol error", "op", pe.Op, "error", pe.Err)
	case errors.Is(err, ErrEndOfStream):
		c.logger.Info("end of stream", "reason", err.Error())
	}
}

func (c *Channel) lockWrite() func() {
	if !c.opts.writeLocking {
		return func() {}
	}
	c.wmu.Lock()
	return c.wmu.Unlock
}

// GetBuffer returns a buffer for a message of up to size bytes.
func (c *Channel) GetBuffer(size int, packed bool) (*Buffer, error) {
	if c.closed.Load() {
		return nil, ErrChannelClosed
	}
	defer c.lockWrite()()
	return c.writer.GetBuffer(size, packed)
}

// PackBuffer closes the current sub-message of a packed buffer.
func (c *Channel) PackBuffer(buf *Buffer) (int, error) {
	defer c.lockWrite()()
	return c.writer.PackBuffer(buf)
}

// ReleaseBuffer returns an unwritten buffer.
func (c *Channel) ReleaseBuffer(buf *Buffer) error {
	defer c.lockWrite()()
	return c.writer.ReleaseBuffer(buf)
}

// Write queues buf at priority. See Writer.Write.
func (c *Channel) Write(buf *Buffer, priority Priority, flags WriteFlags) (WriteResult, error) {
	if c.closed.Load() {
		return WriteResult{}, ErrChannelClosed
	}
	defer c.lockWrite()()
	return c.writer.Write(buf, priority, flags)
}

// WriteMessage copies data into a new buffer and writes it, flushing and
// resuming while a fragmented write is starved of buffers.
func (c *Channel) WriteMessage(data []byte, priority Priority, flags WriteFlags) (WriteResult, error) {
	if c.closed.Load() {
		return WriteResult{}, ErrChannelClosed
	}
	defer c.lockWrite()()

	buf, err := c.writer.GetBuffer(len(data), false)
	if err != nil {
		return WriteResult{}, err
	}
	if _, err = buf.Write(data); err != nil {
		_ = c.writer.ReleaseBuffer(buf)
		return WriteResult{}, err
	}

	for {
		res, err := c.writer.Write(buf, priority, flags)
		if !errors.Is(err, ErrWriteCallAgain) {
			if err != nil && buf.pb != nil {
				_ = c.writer.ReleaseBuffer(buf)
			}
			return res, err
		}
		n, ferr := c.writer.Flush()
		if ferr != nil {
			_ = c.writer.ReleaseBuffer(buf)
			return res, ferr
		}
		if n == 0 {
			_ = c.writer.ReleaseBuffer(buf)
			return res, ErrNoBuffers
		}
	}
}

// Flush writes every queued frame.
func (c *Channel) Flush() (int, error) {
	if c.closed.Load() {
		return 0, ErrChannelClosed
	}
	defer c.lockWrite()()
	return c.writer.Flush()
}

// Queued is the number of bytes waiting for a flush.
func (c *Channel) Queued() int {
	defer c.lockWrite()()
	return c.writer.Queued()
}

// Ping sends a heartbeat.
func (c *Channel) Ping() (int, error) {
	if c.closed.Load() {
		return 0, ErrChannelClosed
	}
	defer c.lockWrite()()
	return c.writer.Ping()
}

// Pong answers a WebSocket ping carrying payload. It is a no-op on protocols
// without pongs.
func (c *Channel) Pong(payload []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrChannelClosed
	}
	defer c.lockWrite()()
	return c.writer.Pong(payload)
}

// Close sends the protocol's close frame and releases every buffer, queued
// frame, partial assembly and paused write. It is safe to call more than once.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	unlock := c.lockWrite()
	_, err := c.writer.WriteClose()
	_ = c.writer.Close()
	unlock()

	if c.opts.readLocking {
		c.rmu.Lock()
		defer c.rmu.Unlock()
	}
	c.reader.Close()
	if c.deflate != nil {
		_ = c.deflate.Close()
		_ = c.inflate.Close()
	}

	c.logger.Info("channel closed")
	return err
}
