package ripc

import "testing"

func TestReadBuffer(t *testing.T) {
	r := NewReadBuffer(8)
	if r.Cap() != 8 || r.Len() != 0 || len(r.Free()) != 8 {
		t.Fatalf("new buffer: cap %d len %d free %d", r.Cap(), r.Len(), len(r.Free()))
	}

	n := copy(r.Free(), "abcdef")
	r.advance(n)
	if string(r.Bytes()) != "abcdef" || len(r.Free()) != 2 {
		t.Errorf("after advance: %q, free %d", r.Bytes(), len(r.Free()))
	}

	r.Compact(4)
	if string(r.Bytes()) != "ef" {
		t.Errorf("after compact: %q, want ef", r.Bytes())
	}
	r.Compact(0)
	if string(r.Bytes()) != "ef" {
		t.Errorf("compact from 0 moved data: %q", r.Bytes())
	}

	r.Grow(4)
	if r.Cap() != 8 {
		t.Errorf("Grow below capacity reallocated to %d", r.Cap())
	}
	r.Grow(9)
	if r.Cap() != 16 || string(r.Bytes()) != "ef" {
		t.Errorf("after grow: cap %d data %q", r.Cap(), r.Bytes())
	}
	r.Grow(100)
	if r.Cap() != 100 {
		t.Errorf("cap = %d, want 100", r.Cap())
	}

	r.Rewind()
	if r.Len() != 0 || len(r.Free()) != r.Cap() {
		t.Errorf("after rewind len %d", r.Len())
	}
}
