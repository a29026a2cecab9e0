package ripc

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/Zereker/ripc/pool"
	"github.com/Zereker/ripc/wire"
)

func testStream() ([]byte, []string) {
	var in []byte
	in = append(in, ripcMessage(wire.FlagData, []byte("alpha"))...)
	in = append(in, wire.Ping[:]...)
	in = append(in, ripcMessage(wire.FlagData|wire.FlagPacking, packedBody([]byte("b1"), []byte("b2")))...)
	in = append(in, ripcFragment(true, 1, 2, 12, 0, []byte("gamma-"))...)
	in = append(in, ripcMessage(wire.FlagData, []byte("delta"))...)
	in = append(in, ripcFragment(false, 1, 2, 0, 0, []byte("gamma!"))...)
	return in, []string{"alpha", "", "b1", "b2", "delta", "gamma-gamma!"}
}

func collect(t *testing.T, r *Reader, src io.Reader) []string {
	t.Helper()

	var got []string
	for {
		msg, err := r.Next(src)
		if errors.Is(err, ErrEndOfStream) {
			return got
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		got = append(got, string(msg.Data))
	}
}

func equalStrings(t *testing.T, got, want []string) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("messages = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReader_Next(t *testing.T) {
	in, want := testStream()

	r := NewReader(256, MachineConfig{})
	got := collect(t, r, bytes.NewReader(in))
	equalStrings(t, got, want)
}

func TestReader_Next_OneByteAtATime(t *testing.T) {
	in, want := testStream()

	// A small buffer forces compaction and growth along the way
	r := NewReader(8, MachineConfig{})
	got := collect(t, r, iotest.OneByteReader(bytes.NewReader(in)))
	equalStrings(t, got, want)
}

func TestReader_Next_HalfReader(t *testing.T) {
	in, want := testStream()

	r := NewReader(16, MachineConfig{})
	got := collect(t, r, iotest.HalfReader(bytes.NewReader(in)))
	equalStrings(t, got, want)
}

func TestReader_Next_UnexpectedEOF(t *testing.T) {
	msg := ripcMessage(wire.FlagData, []byte("truncated"))

	r := NewReader(64, MachineConfig{})
	_, err := r.Next(bytes.NewReader(msg[:7]))
	if !errors.Is(err, ErrEndOfStream) {
		t.Errorf("expected ErrEndOfStream, got %v", err)
	}
	if r.Machine().State() != StateEndOfStream {
		t.Errorf("state = %s, want END_OF_STREAM", r.Machine().State())
	}
}

func TestReader_Next_ReadError(t *testing.T) {
	readErr := errors.New("socket reset")

	r := NewReader(64, MachineConfig{})
	_, err := r.Next(iotest.ErrReader(readErr))
	if !errors.Is(err, readErr) {
		t.Errorf("expected wrapped read error, got %v", err)
	}
	if IsFatal(err) {
		t.Error("transport read errors are not protocol errors")
	}
}

func TestReader_Next_CloseFrame(t *testing.T) {
	client := NewWebSocketProtocol(true, SubprotocolRWF, false)
	server := NewWebSocketProtocol(false, SubprotocolRWF, false)

	r := NewReader(64, MachineConfig{Protocol: client})
	_, err := r.Next(bytes.NewReader(server.CloseFrame()))
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("expected ErrEndOfStream, got %v", err)
	}
	if ce := r.Machine().CloseError(); ce == nil || ce.Code != 1001 {
		t.Errorf("close error = %+v, want code 1001", ce)
	}
}

func TestReader_Feed(t *testing.T) {
	in, want := testStream()

	for _, step := range []int{1, 3, 7, len(in)} {
		r := NewReader(32, MachineConfig{})
		var got []string
		for off := 0; off < len(in); off += step {
			end := min(off+step, len(in))
			msgs, err := r.Feed(in[off:end])
			if err != nil {
				t.Fatalf("step %d: Feed failed: %v", step, err)
			}
			for _, m := range msgs {
				got = append(got, string(m.Data))
			}
		}
		equalStrings(t, got, want)
	}
}

func TestReader_Feed_ProtocolError(t *testing.T) {
	r := NewReader(32, MachineConfig{})

	in := append(ripcMessage(wire.FlagData, []byte("ok")), 0x00, 0x02, 0x02)
	msgs, err := r.Feed(in)
	if len(msgs) != 1 || string(msgs[0].Data) != "ok" {
		t.Errorf("messages before the error = %v", msgs)
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Errorf("expected *ProtocolError, got %v", err)
	}
}

func TestReader_Feed_FragmentHeaders(t *testing.T) {
	p := pool.New()
	r := NewReader(64, MachineConfig{Pool: p, MaxMessageSize: DefaultMaxMessageSize})

	var in []byte
	for id := uint16(1); id <= 20; id++ {
		in = append(in, ripcFragment(true, id, 2, DefaultMaxMessageSize, 0, []byte("x"))...)
	}
	if _, err := r.Feed(in); err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if n := r.Machine().frags.Len(); n != 20 {
		t.Fatalf("%d assemblies in flight, want 20", n)
	}
	for id, a := range r.Machine().frags.inflight {
		if cap(a.buf.B) > 64 {
			t.Errorf("fragment id %d holds %d bytes for 1 received", id, cap(a.buf.B))
		}
	}
	if s := p.Stats(); s.InUse != 20 {
		t.Errorf("%d pooled buffers in use, want 20", s.InUse)
	}

	in = in[:0]
	for id := uint16(21); id <= DefaultMaxInFlightFragments+1; id++ {
		in = append(in, ripcFragment(true, id, 2, DefaultMaxMessageSize, 0, nil)...)
	}
	_, err := r.Feed(in)
	if !errors.Is(err, ErrTooManyFragments) || !IsFatal(err) {
		t.Errorf("expected a fatal ErrTooManyFragments, got %v", err)
	}
}

func TestReader_Feed_DefaultPoolBounded(t *testing.T) {
	r := NewReader(64, MachineConfig{MaxInFlightFragments: 2})

	in := ripcFragment(true, 1, 2, 100, 0, []byte("a"))
	in = append(in, ripcFragment(true, 2, 2, 100, 0, []byte("b"))...)
	if _, err := r.Feed(in); err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	_, err := r.Feed(ripcFragment(true, 3, 2, 100, 0, []byte("c")))
	if !errors.Is(err, ErrTooManyFragments) {
		t.Errorf("expected ErrTooManyFragments, got %v", err)
	}
}
