package ripc

import (
	"github.com/eapache/queue"
	"github.com/pkg/errors"

	"github.com/Zereker/ripc/pool"
)

// Frame is one message waiting in an output queue. Until it is sealed it
// holds only the RIPC message; the transport envelope is added when the frame
// is taken for a flush.
type Frame struct {
	pb    *pool.Buffer
	b     []byte
	start int
	end   int
	fi    FrameInfo

	est       int // bytes accounted in the writer's queued total
	off, stop int
	sealed    bool

	packable bool
	packed   bool
	// split is the first half of a compressed message; the next frame in
	// its queue carries the rest and must follow it directly.
	split bool
}

// Bytes returns the message carried by the frame, without transport framing.
func (f *Frame) Bytes() []byte { return f.b[f.start:f.end] }

// Len is the message length.
func (f *Frame) Len() int { return f.end - f.start }

// Wire returns the bytes that go on the socket. It is nil until sealed.
func (f *Frame) Wire() []byte {
	if !f.sealed {
		return nil
	}
	return f.b[f.off:f.stop]
}

// Release returns the frame's storage. Frames handed out by
// BeginFragmentedWrite and NextFragment are released by the caller unless
// they were queued with Writer.Enqueue. Later calls are no-ops.
func (f *Frame) Release() error {
	if f.pb == nil {
		return nil
	}
	err := f.pb.Release()
	f.pb = nil
	return err
}

// rawFrame wraps bytes that already carry their transport envelope.
func rawFrame(b []byte) *Frame {
	return &Frame{b: b, end: len(b), stop: len(b), sealed: true}
}

// parseFlushOrder turns a string such as "HMHLHM" into the priority sequence
// Flush walks. Every priority must appear at least once.
func parseFlushOrder(s string) ([]Priority, error) {
	if s == "" {
		return nil, errors.New("empty flush strategy")
	}
	var seen [priorityCount]bool
	order := make([]Priority, 0, len(s))
	for _, c := range s {
		var p Priority
		switch c {
		case 'H', 'h':
			p = PriorityHigh
		case 'M', 'm':
			p = PriorityMedium
		case 'L', 'l':
			p = PriorityLow
		default:
			return nil, errors.Errorf("invalid flush strategy %q: unknown priority %q", s, c)
		}
		seen[p] = true
		order = append(order, p)
	}
	for p, ok := range seen {
		if !ok {
			return nil, errors.Errorf("invalid flush strategy %q: %s priority never flushed", s, Priority(p))
		}
	}
	return order, nil
}

// frameQueues are the per-priority FIFOs.
type frameQueues [priorityCount]*queue.Queue

func newFrameQueues() frameQueues {
	var q frameQueues
	for i := range q {
		q[i] = queue.New()
	}
	return q
}

func (q *frameQueues) push(p Priority, f *Frame) {
	q[p].Add(f)
}

// tail returns the most recently queued frame of priority p.
func (q *frameQueues) tail(p Priority) *Frame {
	if q[p].Length() == 0 {
		return nil
	}
	return q[p].Get(-1).(*Frame)
}

func (q *frameQueues) pop(p Priority) *Frame {
	if q[p].Length() == 0 {
		return nil
	}
	return q[p].Remove().(*Frame)
}

func (q *frameQueues) empty() bool {
	for _, fq := range q {
		if fq.Length() > 0 {
			return false
		}
	}
	return true
}

// drain releases every queued frame.
func (q *frameQueues) drain(l Logger) {
	for _, fq := range q {
		for fq.Length() > 0 {
			if err := fq.Remove().(*Frame).Release(); err != nil {
				l.Debug("queued frame release failed", "error", err)
			}
		}
	}
}
