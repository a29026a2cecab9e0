package ripc

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Channel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	w, r, stream := loopback(t, MetricsOption(m))
	small := []byte("counted")
	big := textBytes(20000, 30)
	if _, err := w.WriteMessage(small, PriorityHigh, 0); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if _, err := w.WriteMessage(big, PriorityHigh, 0); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if _, err := w.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	written := stream.Len()

	for i := 0; i < 3; i++ {
		if _, err := r.Read(); err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
	}

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"messages written", m.messagesWritten, 2},
		{"messages read", m.messagesRead, 2},
		{"bytes written", m.bytesWritten, float64(written)},
		{"bytes read", m.bytesRead, float64(written)},
		{"fragments out", m.fragments.WithLabelValues("out"), 4},
		{"fragments in", m.fragments.WithLabelValues("in"), 4},
		{"pings out", m.pings.WithLabelValues("out"), 1},
		{"pings in", m.pings.WithLabelValues("in"), 1},
		{"queued", m.queuedBytes, 0},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.c); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
	if got := testutil.ToFloat64(m.uncompressedBytesWritten); got < float64(len(small)+len(big)) {
		t.Errorf("uncompressed bytes written = %v, want at least %d", got, len(small)+len(big))
	}

	n, err := testutil.GatherAndCount(reg, "test_messages_read_total", "test_fragments_total")
	if err != nil {
		t.Fatalf("GatherAndCount failed: %v", err)
	}
	if n != 3 {
		t.Errorf("gathered %d series, want 3", n)
	}
}

func TestMetrics_ProtocolError(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "")

	ch, err := NewChannel(bytes.NewBuffer([]byte{0x00, 0x01, 0x02}), MetricsOption(m), LoggerOption(DiscardLogger()))
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	if _, err := ch.Read(); !IsFatal(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if n := testutil.CollectAndCount(m.protocolErrors, "ripc_protocol_errors_total"); n != 1 {
		t.Errorf("protocol error series = %d, want 1", n)
	}
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics

	// every hook is a no-op on nil
	m.read(ReadStats{BytesRead: 10})
	m.messageRead(KindData)
	m.wrote(WriteResult{BytesWritten: 10}, 2)
	m.fragmentRead()
	m.pingWritten()
	m.flushed(10, 0)
	m.protocolError("read")
}
