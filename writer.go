package ripc

import (
	"io"
	"net"

	"github.com/pkg/errors"

	"github.com/Zereker/ripc/compress"
	"github.com/Zereker/ripc/pool"
	"github.com/Zereker/ripc/wire"
)

// maxBatch bounds the frames gathered into one vectored write.
const maxBatch = 64

// WriterConfig carries what a Writer needs to frame messages.
type WriterConfig struct {
	Protocol Protocol
	Version  Version
	// Compressor is nil when no compression was negotiated.
	Compressor    compress.Compressor
	LowThreshold  int
	HighThreshold int
	// MaxFragmentSize is the negotiated largest message body. Messages whose
	// body and header do not fit are fragmented.
	MaxFragmentSize   int
	HighWaterMark     int
	GuaranteedBuffers int
	FlushStrategy     string
	// Packing lets the writer append small uncompressed messages to the tail
	// envelope of the same priority queue.
	Packing bool
	Logger  Logger
	Metrics *Metrics
}

// Writer turns application buffers into framed, optionally compressed,
// fragmented or packed wire messages, queues them by priority and flushes
// them to out. It is not safe for concurrent use.
type Writer struct {
	out   io.Writer
	proto Protocol
	ripc  bool
	hdr   int
	idLen int
	maxID uint16

	comp      compress.Compressor
	low, high int
	scratch   []byte

	maxFrag   int
	hwm       int
	packing   bool
	reserve   int
	trailer   int
	frameSize int

	frames *pool.Pool
	big    *pool.Pool

	queues  frameQueues
	order   []Priority
	orderAt int
	batch   []*Frame
	iov     net.Buffers
	bufs    net.Buffers
	queued  int

	latch  Priority
	paused int
	nextID uint16

	// open is the queue whose message is half out on the wire: a WebSocket
	// message before its FIN frame, or a split compressed message before its
	// second half. gather takes from nothing else until it completes.
	open Priority
	// streaming holds unfinished WebSocket fragmented writes by priority.
	streaming [priorityCount]*Fragmenter

	logger  Logger
	metrics *Metrics
	closed  bool
}

// NewWriter returns a Writer flushing to out.
func NewWriter(out io.Writer, cfg WriterConfig) (*Writer, error) {
	if cfg.Protocol == nil {
		cfg.Protocol = RIPCProtocol{}
	}
	if !cfg.Version.valid() {
		cfg.Version = DefaultVersion
	}
	if cfg.MaxFragmentSize <= 0 {
		cfg.MaxFragmentSize = DefaultMaxFragmentSize
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = DefaultHighWaterMark
	}
	if cfg.GuaranteedBuffers <= 0 {
		cfg.GuaranteedBuffers = DefaultGuaranteedOutputBuffers
	}
	if cfg.FlushStrategy == "" {
		cfg.FlushStrategy = DefaultFlushStrategy
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}
	if err := checkMaxFragmentSize(cfg.MaxFragmentSize); err != nil {
		return nil, err
	}
	order, err := parseFlushOrder(cfg.FlushStrategy)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		out:     out,
		proto:   cfg.Protocol,
		ripc:    cfg.Protocol.CarriesRIPC(),
		idLen:   cfg.Version.FragmentIDLen(),
		maxID:   cfg.Version.maxFragmentID(),
		comp:    cfg.Compressor,
		low:     cfg.LowThreshold,
		high:    cfg.HighThreshold,
		maxFrag: cfg.MaxFragmentSize + wire.HeaderSize,
		hwm:     cfg.HighWaterMark,
		packing: cfg.Packing && cfg.Protocol.CarriesRIPC(),
		queues:  newFrameQueues(),
		order:   order,
		batch:   make([]*Frame, 0, maxBatch),
		iov:     make(net.Buffers, 0, maxBatch),
		latch:   priorityUnset,
		open:    priorityUnset,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if w.ripc {
		w.hdr = wire.HeaderSize
	}
	if w.comp != nil && w.low <= 0 {
		w.low = w.comp.Type().DefaultLowThreshold()
	}
	w.reserve = w.proto.MaxHeaderLength() + wire.PackedPrefixSize
	w.trailer = w.proto.TrailerLength()
	w.frameSize = w.reserve + w.maxFrag + w.trailer
	w.frames = pool.New(pool.Limit(cfg.GuaranteedBuffers), pool.MinSize(w.frameSize))
	w.big = pool.New()
	return w, nil
}

// MaxFragmentSize is the largest RIPC message written unfragmented, header
// included.
func (w *Writer) MaxFragmentSize() int { return w.maxFrag }

// Queued is the number of framed bytes waiting for a flush.
func (w *Writer) Queued() int { return w.queued }

// GetBuffer returns a buffer for a message of up to size bytes. Buffers too
// large for one message are fragmented when written. Packed buffers must fit
// one message.
func (w *Writer) GetBuffer(size int, packed bool) (*Buffer, error) {
	if w.closed {
		return nil, ErrChannelClosed
	}
	if size <= 0 {
		return nil, errors.Wrapf(ErrBufferTooSmall, "buffer size %d", size)
	}
	if packed {
		if !w.ripc {
			return nil, errors.Wrapf(ErrNotPacked, "%s payloads cannot be packed", w.proto.Kind())
		}
		if size+w.hdr+wire.PackedPrefixSize > w.maxFrag {
			return nil, errors.Wrapf(ErrPackedTooLarge, "%d bytes, max fragment %d", size, w.maxFrag)
		}
	}

	if !packed && size+w.hdr > w.maxFrag {
		pb, err := w.big.Acquire(size)
		if err != nil {
			return nil, err
		}
		return &Buffer{w: w, pb: pb, b: pb.B, limit: size, big: true}, nil
	}

	pb, err := w.acquire()
	if err != nil {
		return nil, err
	}
	b := &Buffer{w: w, pb: pb, b: pb.B, msg: w.reserve, packed: packed}
	b.start = b.msg + w.hdr
	if packed {
		b.slot = b.start
		b.start += wire.PackedPrefixSize
	}
	b.end = b.start
	b.limit = b.start + size
	return b, nil
}

// ReleaseBuffer returns a buffer that will not be written.
func (w *Writer) ReleaseBuffer(buf *Buffer) error {
	if buf == nil || buf.w != w {
		return ErrForeignBuffer
	}
	if buf.frag != nil {
		w.abandon(buf)
	}
	buf.release()
	return nil
}

// PackBuffer closes the current sub-message of a packed buffer and reserves
// room for the next one. It returns the bytes still available.
func (w *Writer) PackBuffer(buf *Buffer) (int, error) {
	if buf == nil || buf.w != w || buf.pb == nil {
		return 0, ErrForeignBuffer
	}
	if !buf.packed {
		return 0, ErrNotPacked
	}
	if buf.Len() == 0 {
		return 0, errors.Wrap(ErrEmptyBuffer, "pack")
	}
	buf.closeSlot()
	return buf.Available(), nil
}

// Write frames buf at the given priority and queues it. Ownership of buf
// passes to the writer unless ErrWriteCallAgain is returned, in which case
// buf must be written again to resume.
func (w *Writer) Write(buf *Buffer, priority Priority, flags WriteFlags) (WriteResult, error) {
	if w.closed {
		return WriteResult{}, ErrChannelClosed
	}
	if !priority.valid() {
		return WriteResult{}, errors.Wrapf(ErrInvalidPriority, "%d", priority)
	}
	if buf == nil || buf.w != w || buf.pb == nil {
		return WriteResult{}, ErrForeignBuffer
	}
	if buf.frag != nil {
		frames, err := buf.frag.NextFragment()
		return w.drainFragments(buf, frames, err, flags)
	}
	if w.streaming[priority] != nil {
		return WriteResult{}, errors.Wrapf(ErrMessageInProgress, "%s priority", priority)
	}

	end := buf.messageEnd()
	n := end - buf.msg - w.hdr
	if buf.big {
		n = buf.end
	}
	if n <= 0 {
		return WriteResult{}, ErrEmptyBuffer
	}
	compress := w.shouldCompress(n, priority, flags)

	if buf.big {
		if n+w.hdr > w.maxFrag {
			return w.writeFragmented(buf, priority, flags, compress)
		}
		small, err := w.shrink(buf)
		if err != nil {
			return WriteResult{}, err
		}
		buf = small
		end = buf.end
	}

	var (
		res WriteResult
		err error
	)
	if compress {
		res, err = w.writeCompressed(buf, end, priority)
	} else {
		res, err = w.writePlain(buf, end, priority)
	}
	if err != nil {
		return res, err
	}
	w.metrics.wrote(res, 0)
	return w.afterWrite(res, flags)
}

func (w *Writer) shouldCompress(n int, p Priority, flags WriteFlags) bool {
	if w.comp == nil || flags&WriteDoNotCompress != 0 {
		return false
	}
	if !w.proto.CompressionEligible(n, w.low, w.high) {
		return false
	}
	return w.latch == priorityUnset || w.latch == p
}

func (w *Writer) lockPriority(p Priority) {
	if w.latch == priorityUnset {
		w.latch = p
		w.logger.Debug("compression latched", "priority", p)
	}
}

// shrink copies a big buffer holding a small message into a frame buffer.
func (w *Writer) shrink(buf *Buffer) (*Buffer, error) {
	pb, err := w.acquire()
	if err != nil {
		return nil, err
	}
	b := &Buffer{w: w, pb: pb, b: pb.B, msg: w.reserve}
	b.start = b.msg + w.hdr
	b.end = b.start + copy(pb.B[b.start:], buf.b[:buf.end])
	b.limit = b.end
	buf.release()
	return b, nil
}

func (w *Writer) writePlain(buf *Buffer, end int, p Priority) (WriteResult, error) {
	flags := wire.FlagData
	if buf.packed {
		flags |= wire.FlagPacking
	}
	n := end - buf.msg

	if w.packing && !buf.packed {
		if add, ok := w.autoPack(buf, end, p); ok {
			return WriteResult{BytesWritten: add, UncompressedBytesWritten: add}, nil
		}
	}

	w.putHeader(buf.b, buf.msg, end, flags)
	f := &Frame{
		pb:       buf.pb,
		b:        buf.b,
		start:    buf.msg,
		end:      end,
		fi:       w.dataFrame(false, true),
		packable: w.packing,
		packed:   buf.packed,
	}
	buf.detach()
	w.enqueue(f, p)
	est := n + w.proto.EstimateHeaderLength(n)
	return WriteResult{BytesWritten: est, UncompressedBytesWritten: est}, nil
}

// autoPack appends an uncompressed message to the tail envelope of the
// priority queue. A tail that is not packed yet is converted by moving its
// header two bytes back and prefixing its data with its length.
func (w *Writer) autoPack(buf *Buffer, end int, p Priority) (int, bool) {
	tail := w.queues.tail(p)
	if tail == nil || !tail.packable || tail.sealed {
		return 0, false
	}
	data := buf.b[buf.msg+w.hdr : end]
	add := wire.PackedPrefixSize + len(data)
	grow := add
	if !tail.packed {
		grow += wire.PackedPrefixSize
	}
	if tail.Len()+grow > w.maxFrag || tail.end+grow+w.trailer > len(tail.b) {
		return 0, false
	}

	if !tail.packed {
		body := tail.end - tail.start - w.hdr
		tail.start -= wire.PackedPrefixSize
		wire.PutPackedLength(tail.b[tail.start+w.hdr:], body)
		tail.packed = true
	}
	wire.PutPackedLength(tail.b[tail.end:], len(data))
	copy(tail.b[tail.end+wire.PackedPrefixSize:], data)
	tail.end += add
	w.putHeader(tail.b, tail.start, tail.end, wire.FlagData|wire.FlagPacking)

	est := tail.Len() + w.proto.EstimateHeaderLength(tail.Len())
	delta := est - tail.est
	w.queued += delta
	tail.est = est
	buf.release()
	return delta, true
}

// writeCompressed compresses the message body. Output larger than one message
// is split: the first part is flagged COMP_FRAGMENT and the remainder follows
// in a second compressed message.
func (w *Writer) writeCompressed(buf *Buffer, end int, p Priority) (WriteResult, error) {
	body := buf.b[buf.msg+w.hdr : end]
	capacity := w.maxFrag - w.hdr
	n := len(body)

	var spare *pool.Buffer
	if w.comp.MaxCompressedLen(n) > capacity {
		var err error
		if spare, err = w.acquire(); err != nil {
			return WriteResult{}, err
		}
	}
	out, err := w.comp.Compress(w.scratch[:0], body)
	if err != nil {
		if spare != nil {
			releasePooled(w.logger, spare, "compression spare")
		}
		return WriteResult{}, errors.Wrap(err, "compress message")
	}
	w.scratch = out
	w.lockPriority(p)

	flags := wire.FlagData | wire.FlagCompression
	if buf.packed {
		flags |= wire.FlagPacking
	}
	uncompressed := n + w.hdr + w.proto.EstimateHeaderLength(n+w.hdr)

	first := out
	if len(out) > capacity {
		first = out[:capacity]
	}
	at := buf.msg + w.hdr
	fend := at + copy(buf.b[at:], first)
	f := &Frame{pb: buf.pb, b: buf.b, start: buf.msg, end: fend}
	if len(out) <= capacity {
		if spare != nil {
			releasePooled(w.logger, spare, "compression spare")
		}
		w.putHeader(f.b, f.start, f.end, flags)
		f.fi = w.dataFrame(true, true)
		buf.detach()
		w.enqueue(f, p)
		return WriteResult{BytesWritten: f.est, UncompressedBytesWritten: uncompressed}, nil
	}

	w.putHeader(f.b, f.start, f.end, flags|wire.FlagCompFragment)
	f.fi = w.dataFrame(true, false)
	f.split = true
	buf.detach()

	rest := out[capacity:]
	s := &Frame{pb: spare, b: spare.B, start: w.reserve}
	s.end = w.reserve + w.hdr + copy(spare.B[w.reserve+w.hdr:], rest)
	w.putHeader(s.b, s.start, s.end, wire.FlagData|wire.FlagCompression)
	s.fi = w.continuation(true)

	w.enqueue(f, p)
	w.enqueue(s, p)
	w.logger.Debug("split compressed message", "compressed", len(out), "first", len(first), "rest", len(rest))
	return WriteResult{BytesWritten: f.est + s.est, UncompressedBytesWritten: uncompressed}, nil
}

func (w *Writer) writeFragmented(buf *Buffer, p Priority, flags WriteFlags, compress bool) (WriteResult, error) {
	fr, frames, err := w.BeginFragmentedWrite(buf.b[:buf.end], compress)
	if fr == nil {
		return WriteResult{}, err
	}
	if fr.compress || fr.deflated {
		w.lockPriority(p)
	}
	buf.frag = fr
	buf.prio = p
	if !w.ripc {
		w.streaming[p] = fr
	}
	w.logger.Debug("fragmented write", "id", fr.id, "length", fr.total, "compressed", compress, "priority", p)
	return w.drainFragments(buf, frames, err, flags)
}

// drainFragments queues fragments until the message is done or the frame
// pool runs dry, in which case the write pauses.
func (w *Writer) drainFragments(buf *Buffer, frames []*Frame, err error, flags WriteFlags) (WriteResult, error) {
	fr := buf.frag
	for {
		for _, f := range frames {
			w.enqueue(f, buf.prio)
			fr.res.BytesWritten += f.est
		}
		if err != nil {
			if errors.Is(err, ErrNoBuffers) {
				if !fr.paused {
					fr.paused = true
					w.paused++
				}
				return WriteResult{Queued: w.queued}, ErrWriteCallAgain
			}
			w.abandon(buf)
			return WriteResult{Queued: w.queued}, err
		}
		if fr.Done() {
			break
		}
		frames, err = fr.NextFragment()
	}

	if fr.paused {
		w.paused--
	}
	w.streaming[buf.prio] = nil
	res := fr.res
	w.metrics.wrote(res, fr.frames)
	buf.release()
	return w.afterWrite(res, flags)
}

func (w *Writer) abandon(buf *Buffer) {
	fr := buf.frag
	if fr == nil {
		return
	}
	if fr.paused {
		w.paused--
	}
	if w.streaming[buf.prio] == fr {
		w.streaming[buf.prio] = nil
		if fr.frames > 0 && !fr.Done() {
			// the peer already has part of the message; end it so later
			// messages still frame correctly
			w.logger.Warn("websocket message abandoned after partial write", "length", fr.total, "priority", buf.prio)
			w.enqueue(w.emptyFinal(), buf.prio)
		}
	}
	buf.frag = nil
}

// emptyFinal is a zero-length FIN continuation frame.
func (w *Writer) emptyFinal() *Frame {
	b := make([]byte, w.reserve+w.trailer)
	return &Frame{b: b, start: w.reserve, end: w.reserve, fi: w.continuation(true)}
}

func (w *Writer) afterWrite(res WriteResult, flags WriteFlags) (WriteResult, error) {
	if flags&WriteDirectSocketWrite != 0 || w.queued >= w.hwm {
		if _, err := w.Flush(); err != nil {
			res.Queued = w.queued
			return res, err
		}
	}
	res.Queued = w.queued
	return res, nil
}

// Enqueue queues a frame returned by BeginFragmentedWrite or NextFragment.
func (w *Writer) Enqueue(f *Frame, priority Priority) error {
	if w.closed {
		return ErrChannelClosed
	}
	if !priority.valid() {
		return errors.Wrapf(ErrInvalidPriority, "%d", priority)
	}
	w.enqueue(f, priority)
	return nil
}

func (w *Writer) enqueue(f *Frame, p Priority) {
	if !f.sealed {
		f.est = f.Len() + w.proto.EstimateHeaderLength(f.Len())
	} else {
		f.est = f.stop - f.off
	}
	w.queued += f.est
	w.queues.push(p, f)
}

// Ping queues a heartbeat at high priority and flushes.
func (w *Writer) Ping() (int, error) {
	if w.closed {
		return 0, ErrChannelClosed
	}
	w.enqueue(rawFrame(w.proto.PingFrame()), PriorityHigh)
	w.metrics.pingWritten()
	return w.Flush()
}

// Pong answers a WebSocket ping. Protocols without pongs write nothing.
func (w *Writer) Pong(payload []byte) (int, error) {
	if w.closed {
		return 0, ErrChannelClosed
	}
	b := w.proto.PongFrame(payload)
	if b == nil {
		return 0, nil
	}
	w.enqueue(rawFrame(b), PriorityHigh)
	return w.Flush()
}

// WriteClose flushes the protocol's close frame, if it has one.
func (w *Writer) WriteClose() (int, error) {
	if w.closed {
		return 0, ErrChannelClosed
	}
	b := w.proto.CloseFrame()
	if b == nil {
		return w.Flush()
	}
	w.enqueue(rawFrame(b), PriorityHigh)
	return w.Flush()
}

// Flush writes queued frames in flush strategy order. On a short write the
// unwritten remainder stays pending for the next Flush.
func (w *Writer) Flush() (int, error) {
	if w.closed {
		return 0, ErrChannelClosed
	}
	total := 0
	for {
		if len(w.bufs) == 0 && !w.gather() {
			break
		}
		n, err := w.bufs.WriteTo(w.out)
		total += int(n)
		w.queued -= int(n)
		w.reap()
		if err != nil {
			w.metrics.flushed(total, w.queued)
			return total, errors.Wrap(err, "flush")
		}
	}

	if w.latch != priorityUnset && w.paused == 0 {
		w.logger.Debug("compression unlatched", "priority", w.latch)
		w.latch = priorityUnset
	}
	w.metrics.flushed(total, w.queued)
	if total > 0 {
		w.logger.Debug("flushed", "bytes", total)
	}
	return total, nil
}

// gather takes frames from the queues in flush order, sealing each.
func (w *Writer) gather() bool {
	w.batch = w.batch[:0]
	w.bufs = w.iov[:0]
	idle := 0
	for len(w.batch) < maxBatch && idle < len(w.order) {
		p := w.open
		if p == priorityUnset {
			p = w.order[w.orderAt]
			w.orderAt = (w.orderAt + 1) % len(w.order)
		}
		f := w.queues.pop(p)
		if f == nil {
			if w.open != priorityUnset {
				// the rest of the open message is not queued yet
				break
			}
			idle++
			continue
		}
		idle = 0
		w.track(f, p)
		w.seal(f)
		w.batch = append(w.batch, f)
		w.bufs = append(w.bufs, f.Wire())
	}
	return len(w.batch) > 0
}

// track keeps the frames of one message contiguous on the wire.
func (w *Writer) track(f *Frame, p Priority) {
	switch {
	case f.split:
		w.open = p
	case w.ripc:
		w.open = priorityUnset
	case f.sealed || f.fi.Opcode.IsControl():
	case f.fi.Fin:
		w.open = priorityUnset
	default:
		w.open = p
	}
}

// reap releases the frames a write fully consumed.
func (w *Writer) reap() {
	done := len(w.batch) - len(w.bufs)
	for _, f := range w.batch[:done] {
		w.releaseFrame(f)
	}
	w.batch = w.batch[done:]
}

func (w *Writer) releaseFrame(f *Frame) {
	if err := f.Release(); err != nil {
		w.logger.Debug("frame release failed", "error", err)
	}
}

// seal applies the transport envelope to a queued message.
func (w *Writer) seal(f *Frame) {
	if f.sealed {
		return
	}
	f.off = w.proto.PrependHeader(f.b, f.start, f.end, f.fi)
	f.stop = f.end + w.trailer
	f.sealed = true
	actual := f.stop - f.off
	w.queued += actual - f.est
	f.est = actual
}

// Close drops every queued frame and clears the pools.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.queues.drain(w.logger)
	w.open = priorityUnset
	w.streaming = [priorityCount]*Fragmenter{}
	for _, f := range w.batch {
		w.releaseFrame(f)
	}
	w.batch, w.bufs = nil, nil
	w.queued = 0
	w.frames.Close()
	w.big.Close()
	return nil
}

// acquire takes a frame buffer, flushing once to free buffers when the pool
// is exhausted.
func (w *Writer) acquire() (*pool.Buffer, error) {
	pb, err := w.frames.Acquire(w.frameSize)
	if !errors.Is(err, pool.ErrNoBuffers) {
		return pb, err
	}
	if _, ferr := w.Flush(); ferr != nil {
		return nil, ferr
	}
	return w.frames.Acquire(w.frameSize)
}

func (w *Writer) allocID() uint16 {
	w.nextID++
	if w.nextID == 0 || w.nextID > w.maxID {
		w.nextID = 1
	}
	return w.nextID
}

func (w *Writer) putHeader(b []byte, start, end int, flags wire.Flags) {
	if !w.ripc {
		return
	}
	h := wire.Header{Length: uint16(end - start), Flags: flags}
	_, _ = h.Encode(b[start:], w.idLen)
}

// dataFrame is the transport frame of a data message. Payloads other than
// RIPC are JSON text frames.
func (w *Writer) dataFrame(compressed, fin bool) FrameInfo {
	if w.ripc {
		return binaryFrame
	}
	return FrameInfo{Opcode: wire.OpText, Fin: fin, Compressed: compressed}
}

func (w *Writer) continuation(fin bool) FrameInfo {
	if w.ripc {
		return binaryFrame
	}
	return FrameInfo{Opcode: wire.OpContinuation, Fin: fin}
}

// Fragmenter slices one oversized message into fragments, keeping its cursor
// between calls so a write starved of buffers can resume.
type Fragmenter struct {
	w        *Writer
	src      []byte
	pos      int
	id       uint16
	total    int
	compress bool
	deflated bool
	first    bool
	paused   bool
	frames   int
	res      WriteResult
}

// BeginFragmentedWrite starts fragmenting payload and returns the frames of
// the first fragment. The frames are not queued. With compress, each chunk is
// compressed on its own; JSON payloads are deflated whole and then split.
// When the first fragment could not be built the Fragmenter is still returned
// so NextFragment can retry it.
func (w *Writer) BeginFragmentedWrite(payload []byte, compress bool) (*Fragmenter, []*Frame, error) {
	if w.closed {
		return nil, nil, ErrChannelClosed
	}
	if len(payload) == 0 {
		return nil, nil, ErrEmptyBuffer
	}
	f := &Fragmenter{w: w, src: payload, total: len(payload), first: true}
	n := len(payload)
	if w.ripc {
		f.id = w.allocID()
		f.compress = compress && w.comp != nil
	} else if compress && w.comp != nil {
		out, err := w.comp.Compress(nil, payload)
		if err != nil {
			return nil, nil, errors.Wrap(err, "compress message")
		}
		f.src = out
		f.deflated = true
	}
	f.res.UncompressedBytesWritten = w.fragmentedSize(n)

	frames, err := f.NextFragment()
	return f, frames, err
}

// fragmentedSize is the wire size of an n byte message sent uncompressed.
func (w *Writer) fragmentedSize(n int) int {
	size := 0
	for first := true; n > 0; first = false {
		hl := w.proto.FragmentHeaderLength(first, w.idLen)
		chunk := min(n, w.maxFrag-hl)
		size += chunk + hl + w.proto.EstimateHeaderLength(chunk+hl)
		n -= chunk
	}
	return size
}

// ID is the fragment id carried by every fragment.
func (f *Fragmenter) ID() uint16 { return f.id }

// Done reports whether every fragment has been produced.
func (f *Fragmenter) Done() bool {
	return !f.first && f.pos >= len(f.src)
}

// NextFragment builds the next fragment. A compressed chunk whose output
// exceeds the fragment capacity spills its tail into a second frame.
func (f *Fragmenter) NextFragment() ([]*Frame, error) {
	if f.Done() {
		return nil, nil
	}
	w := f.w
	if w.closed {
		return nil, ErrChannelClosed
	}

	hl := w.proto.FragmentHeaderLength(f.first, w.idLen)
	capacity := w.maxFrag - hl
	chunk := f.src[f.pos:]
	if len(chunk) > capacity {
		chunk = chunk[:capacity]
	}
	last := f.pos+len(chunk) == len(f.src)
	compressed := f.compress && len(chunk) >= w.low

	pb, err := w.acquire()
	if err != nil {
		return nil, err
	}
	var spare *pool.Buffer
	body := chunk
	if compressed {
		if w.comp.MaxCompressedLen(len(chunk)) > capacity {
			if spare, err = w.acquire(); err != nil {
				releasePooled(w.logger, pb, "fragment")
				return nil, err
			}
		}
		out, err := w.comp.Compress(w.scratch[:0], chunk)
		if err != nil {
			releasePooled(w.logger, pb, "fragment")
			if spare != nil {
				releasePooled(w.logger, spare, "compression spare")
			}
			return nil, errors.Wrap(err, "compress fragment")
		}
		w.scratch = out
		body = out
	}

	part := body
	var flags wire.Flags
	if compressed {
		flags = wire.FlagCompression
	}
	if len(part) > capacity {
		part = body[:capacity]
		flags |= wire.FlagCompFragment
	}

	at := w.reserve + hl
	end := at + copy(pb.B[at:], part)
	fr := &Frame{pb: pb, b: pb.B, start: at, end: end}
	if w.ripc {
		fr.start = w.proto.PopulateFragment(pb.B, at, end, Fragment{
			First: f.first,
			ID:    f.id,
			IDLen: w.idLen,
			Total: uint32(f.total),
			Flags: flags,
		})
		fr.fi = binaryFrame
	} else if f.first {
		fr.fi = FrameInfo{Opcode: wire.OpText, Fin: last, Compressed: f.deflated}
	} else {
		fr.fi = w.continuation(last)
	}
	frames := []*Frame{fr}

	if len(body) > capacity {
		rest := body[capacity:]
		s := &Frame{pb: spare, b: spare.B, start: w.reserve, fi: binaryFrame}
		s.end = w.reserve + w.hdr + copy(spare.B[w.reserve+w.hdr:], rest)
		w.putHeader(s.b, s.start, s.end, wire.FlagData|wire.FlagCompression)
		fr.split = true
		frames = append(frames, s)
	} else if spare != nil {
		releasePooled(w.logger, spare, "compression spare")
	}

	f.pos += len(chunk)
	f.first = false
	f.frames++
	return frames, nil
}
