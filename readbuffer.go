package ripc

// ReadBuffer is the owned, resizable region socket reads land in. It only
// tracks how many bytes have been received; the message start is owned by
// the ReadStateMachine walking it.
type ReadBuffer struct {
	b   []byte
	pos int
}

// NewReadBuffer allocates a buffer of the given capacity.
func NewReadBuffer(capacity int) *ReadBuffer {
	return &ReadBuffer{b: make([]byte, capacity)}
}

// Cap returns the buffer capacity.
func (r *ReadBuffer) Cap() int { return len(r.b) }

// Len returns the number of bytes received.
func (r *ReadBuffer) Len() int { return r.pos }

// Bytes returns every received byte.
func (r *ReadBuffer) Bytes() []byte { return r.b[:r.pos] }

// Free returns the space past the received bytes for the next socket read.
func (r *ReadBuffer) Free() []byte { return r.b[r.pos:] }

// advance records n bytes written into Free.
func (r *ReadBuffer) advance(n int) {
	r.pos += n
}

// Rewind discards everything. Call it when the machine reports StateNoData.
func (r *ReadBuffer) Rewind() {
	r.pos = 0
}

// Compact moves the bytes from offset from onwards to the start.
func (r *ReadBuffer) Compact(from int) {
	if from <= 0 {
		return
	}
	r.pos = copy(r.b, r.b[from:r.pos])
}

// Grow reallocates the buffer to hold at least n bytes, keeping its contents.
func (r *ReadBuffer) Grow(n int) {
	if n <= len(r.b) {
		return
	}
	size := 2 * len(r.b)
	if size < n {
		size = n
	}
	nb := make([]byte, size)
	copy(nb, r.b[:r.pos])
	r.b = nb
}
