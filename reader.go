package ripc

import (
	"io"

	"github.com/pkg/errors"
)

// Reader drives a ReadStateMachine over a ReadBuffer, doing the compaction,
// growth and rewinding the machine asks of its caller.
type Reader struct {
	buf     *ReadBuffer
	m       *ReadStateMachine
	pending bool
	eof     bool
}

// NewReader returns a Reader with an input buffer of the given capacity.
func NewReader(capacity int, cfg MachineConfig) *Reader {
	buf := NewReadBuffer(capacity)
	return &Reader{buf: buf, m: NewReadStateMachine(buf, cfg)}
}

// Machine exposes the underlying state machine.
func (r *Reader) Machine() *ReadStateMachine { return r.m }

// Next returns the next message, reading from src as needed. The message data
// is valid until the following call. At the end of the stream it returns an
// error matching ErrEndOfStream.
func (r *Reader) Next(src io.Reader) (Message, error) {
	for {
		msg, ok, err := r.step()
		if err != nil || ok {
			return msg, err
		}
		if r.eof {
			if _, err := r.m.OnBytesReceived(EndOfStreamSignal); err != nil {
				return Message{}, err
			}
			continue
		}

		n, err := src.Read(r.buf.Free())
		if n > 0 {
			if _, perr := r.m.OnBytesReceived(n); perr != nil {
				return Message{}, perr
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return Message{}, errors.Wrap(err, "read")
			}
			r.eof = true
		}
	}
}

// Feed hands p to the machine and returns copies of every message completed
// by it. Bytes of a trailing partial message are kept for the next call.
func (r *Reader) Feed(p []byte) ([]Message, error) {
	var out []Message
	for {
		msg, ok, err := r.step()
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, msg.Clone())
			continue
		}
		if len(p) == 0 {
			return out, nil
		}
		n := copy(r.buf.Free(), p)
		p = p[n:]
		if _, err := r.m.OnBytesReceived(n); err != nil {
			return out, err
		}
	}
}

// Close releases partial assemblies.
func (r *Reader) Close() {
	r.m.Close()
}

// step advances through buffered bytes until a message is ready or more input
// is needed.
func (r *Reader) step() (Message, bool, error) {
	for {
		if r.pending {
			r.pending = false
			st, err := r.m.OnApplicationConsumed()
			if err != nil {
				return Message{}, false, err
			}
			if st == StateNoData {
				r.buf.Rewind()
			}
		}

		switch r.m.State() {
		case StateKnownComplete:
			r.pending = true
			if msg, ok := r.m.Message(); ok {
				return msg, true, nil
			}
		case StateEndOfStream:
			if ce := r.m.CloseError(); ce != nil {
				return Message{}, false, errors.WithMessage(ErrEndOfStream, ce.Error())
			}
			return Message{}, false, ErrEndOfStream
		case StateUnknownInsufficient, StateKnownInsufficient:
			if _, err := r.m.OnCompact(); err != nil {
				return Message{}, false, err
			}
		default:
			return Message{}, false, nil
		}
	}
}
