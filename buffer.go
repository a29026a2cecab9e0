package ripc

import (
	"github.com/pkg/errors"

	"github.com/Zereker/ripc/pool"
	"github.com/Zereker/ripc/wire"
)

// Buffer is an application message under construction, obtained from
// Writer.GetBuffer. Room for the transport prefix and the RIPC header is
// reserved ahead of the data so headers are written in place.
//
// A packed buffer holds several sub-messages. Fill one, call PackBuffer, fill
// the next; the last one needs no PackBuffer call before Write.
type Buffer struct {
	w  *Writer
	pb *pool.Buffer
	b  []byte

	msg   int // offset of the RIPC header
	start int // first data byte of the current message or slot
	end   int
	limit int

	packed bool
	slot   int // offset of the current slot's length prefix
	count  int // packed sub-messages closed so far

	big  bool
	frag *Fragmenter
	prio Priority
}

var errPausedWrite = errors.Wrap(ErrWriteCallAgain, "buffer belongs to a paused write")

// Write appends p to the current message.
func (b *Buffer) Write(p []byte) (int, error) {
	if b.pb == nil {
		return 0, errors.Wrap(ErrForeignBuffer, "buffer already released")
	}
	if b.frag != nil {
		return 0, errPausedWrite
	}
	if len(p) > b.limit-b.end {
		return 0, errors.Wrapf(ErrBufferTooSmall, "%d bytes with %d available", len(p), b.limit-b.end)
	}
	b.end += copy(b.b[b.end:], p)
	return len(p), nil
}

// WriteString appends s to the current message.
func (b *Buffer) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

// Bytes returns the data of the current message or packed slot.
func (b *Buffer) Bytes() []byte { return b.b[b.start:b.end] }

// Len is the length of the current message or packed slot.
func (b *Buffer) Len() int { return b.end - b.start }

// Available is how many more bytes fit.
func (b *Buffer) Available() int { return b.limit - b.end }

// Packed reports whether the buffer was acquired for packing.
func (b *Buffer) Packed() bool { return b.packed }

// Reset discards the data of the current message or packed slot.
func (b *Buffer) Reset() {
	b.end = b.start
}

// closeSlot records the current slot's length and reserves the next prefix.
func (b *Buffer) closeSlot() {
	wire.PutPackedLength(b.b[b.slot:], b.end-b.start)
	b.count++
	b.slot = b.end
	b.start = min(b.end+wire.PackedPrefixSize, b.limit)
	b.end = b.start
}

// messageEnd finalizes the buffer and returns the end of the RIPC message
// starting at b.msg. An empty trailing packed slot is dropped.
func (b *Buffer) messageEnd() int {
	if !b.packed {
		return b.end
	}
	if b.end > b.start {
		b.closeSlot()
	}
	return b.slot
}

// release returns the backing storage to the pool.
func (b *Buffer) release() {
	if b.pb != nil {
		releasePooled(b.w.logger, b.pb, "application buffer")
	}
	b.detach()
}

// releasePooled returns pb to its pool. It only fails for a buffer that was
// already released, which is logged rather than returned.
func releasePooled(l Logger, pb *pool.Buffer, what string) {
	if err := pb.Release(); err != nil {
		l.Debug("pooled buffer release failed", "buffer", what, "error", err)
	}
}

// detach drops the buffer's hold on storage now owned by a queued frame.
func (b *Buffer) detach() {
	b.pb = nil
	b.b = nil
	b.frag = nil
}
