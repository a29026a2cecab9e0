// Package pool implements the buffer pool shared by a channel's read buffers,
// write frames and fragment reassembly.
//
// Storage lives in an arena of slots addressed by stable index. Released slots
// go back on a per-size-class free list; buffers handed out are small handles
// carrying the slot index and a generation so stale or repeated releases are
// detected instead of corrupting the free list.
package pool

import (
	"context"
	"math/bits"
	"sync"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
)

var (
	// ErrNoBuffers is returned by Acquire when the pool is at its limit.
	ErrNoBuffers = errors.New("pool: no buffers available")
	// ErrClosed is returned when acquiring from a closed pool.
	ErrClosed = errors.New("pool: closed")
	// ErrInvalidRelease is returned when releasing a buffer the pool does not
	// consider outstanding.
	ErrInvalidRelease = errors.New("pool: buffer not outstanding")
)

// defaultMinSize is the smallest size class.
const defaultMinSize = 64

// Buffer is a handle to one pooled region. B is the requested length; its
// capacity is the full size class.
type Buffer struct {
	B []byte

	pool *Pool
	slot int
	gen  uint32
}

// Release returns the buffer to its pool. The buffer must not be used after.
func (b *Buffer) Release() error {
	if b == nil || b.pool == nil {
		return ErrInvalidRelease
	}
	return b.pool.Release(b)
}

// Full returns the buffer resliced to its whole capacity.
func (b *Buffer) Full() []byte {
	return b.B[:cap(b.B)]
}

type slot struct {
	data  []byte
	gen   uint32
	inUse bool
}

// Stats is a snapshot of pool accounting.
type Stats struct {
	Slots    int // slots ever allocated
	InUse    int
	Free     int
	Limit    int
	Acquired uint64
	Released uint64
	Misses   uint64 // acquisitions refused with ErrNoBuffers
}

// Pool is safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	slots   []slot
	free    map[int]*queue.Queue
	wait    chan struct{}
	limit   int
	minSize int
	inUse   int
	closed  bool

	acquired uint64
	released uint64
	misses   uint64
}

// Option configures a Pool.
type Option func(*Pool)

// Limit caps the number of outstanding buffers. Zero means unlimited.
func Limit(n int) Option {
	return func(p *Pool) {
		p.limit = n
	}
}

// MinSize sets the smallest size class.
func MinSize(n int) Option {
	return func(p *Pool) {
		p.minSize = n
	}
}

// New creates an empty pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		free:    make(map[int]*queue.Queue),
		wait:    make(chan struct{}),
		minSize: defaultMinSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.minSize <= 0 {
		p.minSize = defaultMinSize
	}
	return p
}

// classFor rounds size up to a power of two no smaller than minSize.
func (p *Pool) classFor(size int) int {
	if size <= p.minSize {
		return p.minSize
	}
	return 1 << bits.Len(uint(size-1))
}

// Acquire returns a buffer of length size without blocking. It fails with
// ErrNoBuffers when the limit of outstanding buffers is reached.
func (p *Pool) Acquire(size int) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, _, err := p.acquireLocked(size)
	return b, err
}

// AcquireWait is Acquire that waits for a release while the pool is at its
// limit, until ctx is done.
func (p *Pool) AcquireWait(ctx context.Context, size int) (*Buffer, error) {
	for {
		p.mu.Lock()
		b, wait, err := p.acquireLocked(size)
		p.mu.Unlock()
		if !errors.Is(err, ErrNoBuffers) {
			return b, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (p *Pool) acquireLocked(size int) (*Buffer, chan struct{}, error) {
	if p.closed {
		return nil, nil, ErrClosed
	}
	if size < 0 {
		size = 0
	}
	if p.limit > 0 && p.inUse >= p.limit {
		p.misses++
		return nil, p.wait, ErrNoBuffers
	}

	class := p.classFor(size)
	var idx int
	if q := p.free[class]; q != nil && q.Length() > 0 {
		idx = q.Remove().(int)
	} else {
		idx = len(p.slots)
		p.slots = append(p.slots, slot{data: make([]byte, class)})
	}

	s := &p.slots[idx]
	s.inUse = true
	p.inUse++
	p.acquired++
	return &Buffer{B: s.data[:size], pool: p, slot: idx, gen: s.gen}, nil, nil
}

// Release returns b to the free list of its size class.
func (p *Pool) Release(b *Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b.pool != p || b.slot < 0 || b.slot >= len(p.slots) {
		return ErrInvalidRelease
	}
	s := &p.slots[b.slot]
	if !s.inUse || s.gen != b.gen {
		return ErrInvalidRelease
	}

	s.inUse = false
	s.gen++
	p.inUse--
	p.released++
	b.B = nil

	if p.closed {
		s.data = nil
	} else {
		class := cap(s.data)
		q := p.free[class]
		if q == nil {
			q = queue.New()
			p.free[class] = q
		}
		q.Add(b.slot)
	}

	close(p.wait)
	p.wait = make(chan struct{})
	return nil
}

// Clear drops the storage of every free slot. Outstanding buffers stay valid
// and are reclaimed as they are released.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked()
}

func (p *Pool) clearLocked() {
	for class, q := range p.free {
		for q.Length() > 0 {
			idx := q.Remove().(int)
			p.slots[idx].data = nil
		}
		delete(p.free, class)
	}
}

// Close clears the pool and fails every later acquisition. Waiters in
// AcquireWait are woken and receive ErrClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.clearLocked()
	close(p.wait)
	p.wait = make(chan struct{})
}

// Stats returns a snapshot of the pool's accounting.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	free := 0
	for _, q := range p.free {
		free += q.Length()
	}
	return Stats{
		Slots:    len(p.slots),
		InUse:    p.inUse,
		Free:     free,
		Limit:    p.limit,
		Acquired: p.acquired,
		Released: p.released,
		Misses:   p.misses,
	}
}
