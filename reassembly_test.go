package ripc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Zereker/ripc/pool"
)

func TestReassembler_Complete(t *testing.T) {
	r := NewReassembler(pool.New(), 0, 0)

	if err := r.OnFragmentHeader(7, 10); err != nil {
		t.Fatalf("OnFragmentHeader failed: %v", err)
	}
	if !r.InFlight(7) || r.IsComplete(7) {
		t.Fatal("assembly should be open and incomplete")
	}
	for _, part := range []string{"0123", "456", "789"} {
		if err := r.OnFragmentContinuation(7, []byte(part)); err != nil {
			t.Fatalf("OnFragmentContinuation failed: %v", err)
		}
	}
	if !r.IsComplete(7) {
		t.Fatal("assembly should be complete")
	}
	if got := r.Bytes(7); !bytes.Equal(got, []byte("0123456789")) {
		t.Errorf("bytes = %q", got)
	}

	r.Release(7)
	if r.InFlight(7) || r.Len() != 0 {
		t.Error("released id still in flight")
	}
	if r.Bytes(7) != nil {
		t.Error("bytes of a released id should be nil")
	}
}

func TestReassembler_Interleaved(t *testing.T) {
	r := NewReassembler(pool.New(), 0, 0)

	_ = r.OnFragmentHeader(1, 4)
	_ = r.OnFragmentHeader(2, 4)
	_ = r.OnFragmentContinuation(2, []byte("bb"))
	_ = r.OnFragmentContinuation(1, []byte("aaaa"))
	_ = r.OnFragmentContinuation(2, []byte("bb"))

	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	if string(r.Bytes(1)) != "aaaa" || string(r.Bytes(2)) != "bbbb" {
		t.Errorf("bytes = %q / %q", r.Bytes(1), r.Bytes(2))
	}
}

func TestReassembler_Errors(t *testing.T) {
	r := NewReassembler(pool.New(), 100, 0)

	if err := r.OnFragmentContinuation(3, []byte("x")); !errors.Is(err, ErrUnknownFragment) {
		t.Errorf("unknown id: expected ErrUnknownFragment, got %v", err)
	}
	if err := r.OnFragmentHeader(3, 0); !errors.Is(err, ErrFragmentLength) {
		t.Errorf("zero total: expected ErrFragmentLength, got %v", err)
	}
	if err := r.OnFragmentHeader(3, 101); !errors.Is(err, ErrFragmentLength) {
		t.Errorf("total above max: expected ErrFragmentLength, got %v", err)
	}

	if err := r.OnFragmentHeader(3, 5); err != nil {
		t.Fatalf("OnFragmentHeader failed: %v", err)
	}
	_ = r.OnFragmentContinuation(3, []byte("abc"))
	if err := r.OnFragmentHeader(3, 5); !errors.Is(err, ErrFragmentCollision) {
		t.Errorf("duplicate id: expected ErrFragmentCollision, got %v", err)
	}
	if got := string(r.Bytes(3)); got != "abc" {
		t.Errorf("collision overwrote the assembly: %q", got)
	}
	if err := r.OnFragmentContinuation(3, []byte("def")); !errors.Is(err, ErrFragmentOverflow) {
		t.Errorf("overflow: expected ErrFragmentOverflow, got %v", err)
	}
}

func TestReassembler_Clear(t *testing.T) {
	p := pool.New()
	r := NewReassembler(p, 0, 0)

	for id := uint16(1); id <= 3; id++ {
		if err := r.OnFragmentHeader(id, 64); err != nil {
			t.Fatalf("OnFragmentHeader failed: %v", err)
		}
		if err := r.OnFragmentContinuation(id, []byte("partial")); err != nil {
			t.Fatalf("OnFragmentContinuation failed: %v", err)
		}
	}
	if s := p.Stats(); s.InUse != 3 {
		t.Fatalf("%d pooled buffers in use, want 3", s.InUse)
	}
	r.Clear()
	if r.Len() != 0 {
		t.Errorf("Len after Clear = %d", r.Len())
	}
	if s := p.Stats(); s.InUse != 0 {
		t.Errorf("%d pooled buffers still in use", s.InUse)
	}
}

func TestReassembler_PoolLimit(t *testing.T) {
	r := NewReassembler(pool.New(pool.Limit(1)), 0, 0)

	for id := uint16(1); id <= 2; id++ {
		if err := r.OnFragmentHeader(id, 16); err != nil {
			t.Fatalf("OnFragmentHeader %d failed: %v", id, err)
		}
	}
	if err := r.OnFragmentContinuation(1, []byte("one")); err != nil {
		t.Fatalf("OnFragmentContinuation failed: %v", err)
	}
	if err := r.OnFragmentContinuation(2, []byte("two")); !errors.Is(err, ErrNoBuffers) {
		t.Errorf("expected ErrNoBuffers, got %v", err)
	}
	if got := string(r.Bytes(1)); got != "one" {
		t.Errorf("bytes = %q, want one", got)
	}
}

func TestReassembler_HeaderAllocatesNothing(t *testing.T) {
	p := pool.New()
	r := NewReassembler(p, 0, 0)

	if err := r.OnFragmentHeader(1, 16<<20); err != nil {
		t.Fatalf("OnFragmentHeader failed: %v", err)
	}
	if s := p.Stats(); s.InUse != 0 || s.Slots != 0 {
		t.Fatalf("header alone took storage: %+v", s)
	}

	part := bytes.Repeat([]byte("y"), 1000)
	for i := 0; i < 5; i++ {
		if err := r.OnFragmentContinuation(1, part); err != nil {
			t.Fatalf("OnFragmentContinuation failed: %v", err)
		}
	}
	if got := len(r.Bytes(1)); got != 5000 {
		t.Errorf("assembled %d bytes, want 5000", got)
	}
	if got := cap(r.inflight[1].buf.B); got > 8192 {
		t.Errorf("assembly capacity %d for 5000 bytes", got)
	}
	if s := p.Stats(); s.InUse != 1 {
		t.Errorf("%d pooled buffers in use, want 1", s.InUse)
	}
}

func TestReassembler_GrowsToTotal(t *testing.T) {
	r := NewReassembler(pool.New(), 0, 0)

	_ = r.OnFragmentHeader(4, 300)
	want := bytes.Repeat([]byte("0123456789"), 30)
	for off := 0; off < len(want); off += 70 {
		end := min(off+70, len(want))
		if err := r.OnFragmentContinuation(4, want[off:end]); err != nil {
			t.Fatalf("OnFragmentContinuation at %d failed: %v", off, err)
		}
	}
	if !r.IsComplete(4) || !bytes.Equal(r.Bytes(4), want) {
		t.Errorf("assembled %q", r.Bytes(4))
	}
}

func TestReassembler_MaxInFlight(t *testing.T) {
	r := NewReassembler(pool.New(), 0, 2)

	for id := uint16(1); id <= 2; id++ {
		if err := r.OnFragmentHeader(id, 8); err != nil {
			t.Fatalf("OnFragmentHeader %d failed: %v", id, err)
		}
	}
	if err := r.OnFragmentHeader(3, 8); !errors.Is(err, ErrTooManyFragments) {
		t.Fatalf("expected ErrTooManyFragments, got %v", err)
	}
	if r.InFlight(3) {
		t.Error("refused header left an assembly behind")
	}

	r.Release(1)
	if err := r.OnFragmentHeader(3, 8); err != nil {
		t.Errorf("header after a release failed: %v", err)
	}
}

func TestFrameAssembly_Grows(t *testing.T) {
	f := frameAssembly{pool: pool.New(), logger: DiscardLogger()}

	if err := f.begin(true, []byte("first,")); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	big := bytes.Repeat([]byte("x"), 5000)
	if err := f.append(big); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := f.append([]byte(",last")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	want := append(append([]byte("first,"), big...), ",last"...)
	if !bytes.Equal(f.bytes(), want) {
		t.Errorf("assembled %d bytes, want %d", len(f.bytes()), len(want))
	}
	if !f.compressed || !f.active {
		t.Error("flags not kept")
	}

	f.release()
	if f.active || f.bytes() != nil {
		t.Error("release did not reset the assembly")
	}
}

func TestFrameAssembly_MaxSize(t *testing.T) {
	f := frameAssembly{pool: pool.New(), maxSize: 8, logger: DiscardLogger()}

	if err := f.begin(false, []byte("12345")); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := f.append([]byte("6789")); !errors.Is(err, ErrFragmentOverflow) {
		t.Errorf("expected ErrFragmentOverflow, got %v", err)
	}
	f.release()
}

func TestReleasePooled_LogsDoubleRelease(t *testing.T) {
	p := pool.New()
	pb, err := p.Acquire(16)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	mock := &mockLogger{}

	releasePooled(mock, pb, "assembly")
	if len(mock.records) != 0 {
		t.Fatalf("first release logged %+v", mock.records)
	}
	releasePooled(mock, pb, "assembly")
	rec, ok := mock.find("debug", "pooled buffer release failed")
	if !ok {
		t.Fatal("double release was not logged at debug")
	}
	if len(rec.args) != 4 || rec.args[1] != "assembly" {
		t.Fatalf("unexpected log args %v", rec.args)
	}
	if err, _ := rec.args[3].(error); !errors.Is(err, pool.ErrInvalidRelease) {
		t.Errorf("logged error = %v, want pool.ErrInvalidRelease", rec.args[3])
	}
}
