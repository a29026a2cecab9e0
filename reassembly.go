package ripc

import (
	"github.com/pkg/errors"

	"github.com/Zereker/ripc/pool"
)

type assembly struct {
	buf   *pool.Buffer
	total int
	n     int
}

// Reassembler collects the fragments of oversized messages into pooled
// buffers keyed by fragment id. Storage grows with the bytes that arrived,
// never with the total a header declares.
type Reassembler struct {
	pool        *pool.Pool
	maxSize     int
	maxInFlight int
	inflight    map[uint16]*assembly
	logger      Logger
}

// NewReassembler returns a Reassembler drawing buffers from p. Messages
// declaring more than maxSize bytes are rejected, and at most maxInFlight
// assemblies are open at once. Zero means no bound for either.
func NewReassembler(p *pool.Pool, maxSize, maxInFlight int) *Reassembler {
	return &Reassembler{
		pool:        p,
		maxSize:     maxSize,
		maxInFlight: maxInFlight,
		inflight:    make(map[uint16]*assembly),
		logger:      defaultLogger(),
	}
}

// OnFragmentHeader opens an assembly for a message of total bytes. An id that
// is already in flight is a collision and is never overwritten.
func (r *Reassembler) OnFragmentHeader(id uint16, total int) error {
	if _, ok := r.inflight[id]; ok {
		return errors.Wrapf(ErrFragmentCollision, "fragment id %d", id)
	}
	if total <= 0 || (r.maxSize > 0 && total > r.maxSize) {
		return errors.Wrapf(ErrFragmentLength, "fragment id %d declares %d bytes", id, total)
	}
	if r.maxInFlight > 0 && len(r.inflight) >= r.maxInFlight {
		return errors.Wrapf(ErrTooManyFragments, "fragment id %d: %d in flight", id, len(r.inflight))
	}
	r.inflight[id] = &assembly{total: total}
	return nil
}

// OnFragmentContinuation appends p to the assembly for id.
func (r *Reassembler) OnFragmentContinuation(id uint16, p []byte) error {
	a, ok := r.inflight[id]
	if !ok {
		return errors.Wrapf(ErrUnknownFragment, "fragment id %d", id)
	}
	if a.n+len(p) > a.total {
		return errors.Wrapf(ErrFragmentOverflow, "fragment id %d: %d+%d > %d", id, a.n, len(p), a.total)
	}
	if len(p) > 0 && (a.buf == nil || a.n+len(p) > cap(a.buf.B)) {
		if err := r.grow(a, a.n+len(p)); err != nil {
			return errors.Wrapf(err, "assembly for fragment id %d", id)
		}
	}
	a.n += copy(a.buf.Full()[a.n:], p)
	return nil
}

// grow moves a into a buffer of at least need bytes, doubling up to the
// declared total.
func (r *Reassembler) grow(a *assembly, need int) error {
	size := need
	if a.buf != nil {
		size = max(size, min(2*cap(a.buf.B), a.total))
	}
	nb, err := r.pool.Acquire(size)
	if err != nil {
		return err
	}
	if a.buf != nil {
		copy(nb.Full(), a.buf.Full()[:a.n])
		releasePooled(r.logger, a.buf, "fragment assembly")
	}
	a.buf = nb
	return nil
}

// InFlight reports whether id has an open assembly.
func (r *Reassembler) InFlight(id uint16) bool {
	_, ok := r.inflight[id]
	return ok
}

// IsComplete reports whether the assembly for id holds its declared total.
func (r *Reassembler) IsComplete(id uint16) bool {
	a, ok := r.inflight[id]
	return ok && a.n == a.total
}

// Bytes returns the bytes accumulated for id so far.
func (r *Reassembler) Bytes(id uint16) []byte {
	a, ok := r.inflight[id]
	if !ok || a.buf == nil {
		return nil
	}
	return a.buf.Full()[:a.n]
}

// Len returns the number of open assemblies.
func (r *Reassembler) Len() int {
	return len(r.inflight)
}

// Release returns the assembly for id to the pool.
func (r *Reassembler) Release(id uint16) {
	if a, ok := r.inflight[id]; ok {
		if a.buf != nil {
			releasePooled(r.logger, a.buf, "fragment assembly")
		}
		delete(r.inflight, id)
	}
}

// Clear discards every partial assembly.
func (r *Reassembler) Clear() {
	for id := range r.inflight {
		r.Release(id)
	}
}

// frameAssembly accumulates a WebSocket message split over continuation
// frames. Unlike RIPC fragments the total size is not announced up front.
type frameAssembly struct {
	pool       *pool.Pool
	maxSize    int
	logger     Logger
	buf        *pool.Buffer
	n          int
	active     bool
	compressed bool
	done       bool
}

func (f *frameAssembly) begin(compressed bool, p []byte) error {
	f.active = true
	f.compressed = compressed
	f.done = false
	f.n = 0
	return f.append(p)
}

func (f *frameAssembly) append(p []byte) error {
	if f.maxSize > 0 && f.n+len(p) > f.maxSize {
		return errors.Wrapf(ErrFragmentOverflow, "websocket message exceeds %d bytes", f.maxSize)
	}
	if f.buf == nil || f.n+len(p) > cap(f.buf.B) {
		size := f.n + len(p)
		if f.buf != nil && 2*cap(f.buf.B) > size {
			size = 2 * cap(f.buf.B)
		}
		nb, err := f.pool.Acquire(size)
		if err != nil {
			return errors.Wrap(err, "websocket assembly")
		}
		if f.buf != nil {
			copy(nb.Full(), f.buf.Full()[:f.n])
			releasePooled(f.logger, f.buf, "websocket assembly")
		}
		f.buf = nb
	}
	f.n += copy(f.buf.Full()[f.n:], p)
	return nil
}

func (f *frameAssembly) bytes() []byte {
	if f.buf == nil {
		return nil
	}
	return f.buf.Full()[:f.n]
}

func (f *frameAssembly) release() {
	if f.buf != nil {
		releasePooled(f.logger, f.buf, "websocket assembly")
	}
	*f = frameAssembly{pool: f.pool, maxSize: f.maxSize, logger: f.logger}
}
