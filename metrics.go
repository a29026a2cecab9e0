package ripc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors updated by channels. One Metrics may
// be shared by every channel of a process. A nil *Metrics disables collection.
type Metrics struct {
	bytesRead                prometheus.Counter
	bytesWritten             prometheus.Counter
	uncompressedBytesRead    prometheus.Counter
	uncompressedBytesWritten prometheus.Counter
	messagesRead             prometheus.Counter
	messagesWritten          prometheus.Counter
	fragments                *prometheus.CounterVec
	pings                    *prometheus.CounterVec
	protocolErrors           *prometheus.CounterVec
	queuedBytes              prometheus.Gauge
}

// NewMetrics registers the channel collectors with reg under namespace.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "ripc"
	}
	factory := promauto.With(reg)

	return &Metrics{
		bytesRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_read_total",
			Help:      "Bytes read from the transport, framing included",
		}),
		bytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Bytes written to the transport, framing included",
		}),
		uncompressedBytesRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uncompressed_bytes_read_total",
			Help:      "Message bytes delivered to the application after decompression",
		}),
		uncompressedBytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uncompressed_bytes_written_total",
			Help:      "Message bytes accepted from the application before compression",
		}),
		messagesRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_read_total",
			Help:      "Application messages delivered",
		}),
		messagesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_written_total",
			Help:      "Application messages accepted for writing",
		}),
		fragments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_total",
			Help:      "Fragments of oversized messages",
		}, []string{"direction"}),
		pings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_total",
			Help:      "Heartbeat messages",
		}, []string{"direction"}),
		protocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Fatal protocol violations by operation",
		}, []string{"op"}),
		queuedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_bytes",
			Help:      "Bytes framed and waiting for a flush",
		}),
	}
}

func (m *Metrics) read(stats ReadStats) {
	if m == nil {
		return
	}
	m.bytesRead.Add(float64(stats.BytesRead))
	m.uncompressedBytesRead.Add(float64(stats.UncompressedBytesRead))
}

func (m *Metrics) messageRead(kind MessageKind) {
	if m == nil {
		return
	}
	if kind == KindPing {
		m.pings.WithLabelValues("in").Inc()
		return
	}
	m.messagesRead.Inc()
}

func (m *Metrics) wrote(res WriteResult, fragments int) {
	if m == nil {
		return
	}
	m.messagesWritten.Inc()
	m.uncompressedBytesWritten.Add(float64(res.UncompressedBytesWritten))
	if fragments > 0 {
		m.fragments.WithLabelValues("out").Add(float64(fragments))
	}
}

func (m *Metrics) fragmentRead() {
	if m == nil {
		return
	}
	m.fragments.WithLabelValues("in").Inc()
}

func (m *Metrics) pingWritten() {
	if m == nil {
		return
	}
	m.pings.WithLabelValues("out").Inc()
}

func (m *Metrics) flushed(n int, queued int) {
	if m == nil {
		return
	}
	m.bytesWritten.Add(float64(n))
	m.queuedBytes.Set(float64(queued))
}

func (m *Metrics) protocolError(op string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(op).Inc()
}
