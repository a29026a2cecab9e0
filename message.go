package ripc

import "fmt"

// MessageKind distinguishes application data from heartbeats.
type MessageKind int

const (
	KindData MessageKind = iota
	// KindPing is a RIPC heartbeat or a WebSocket ping frame.
	KindPing
	// KindPong is a WebSocket pong frame.
	KindPong
)

func (k MessageKind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	}
	return fmt.Sprintf("MessageKind(%d)", int(k))
}

// Message is one application message delivered by a channel. Data returned by
// Channel.Read aliases channel buffers and is valid until the next read.
type Message struct {
	Kind     MessageKind
	Data     []byte
	SubState ReadSubState
}

// Length returns the length of the message body.
func (m Message) Length() int {
	return len(m.Data)
}

// Body returns the raw message data.
func (m Message) Body() []byte {
	return m.Data
}

// Clone returns a copy of m that does not alias channel buffers.
func (m Message) Clone() Message {
	if m.Data != nil {
		m.Data = append([]byte(nil), m.Data...)
	}
	return m
}

// Priority selects the output queue a message is written to.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow

	priorityCount
	// priorityUnset marks no priority: an unlatched compressor or no open
	// WebSocket message.
	priorityUnset Priority = 99
)

func (p Priority) valid() bool {
	return p >= PriorityHigh && p < priorityCount
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case priorityUnset:
		return "unset"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// WriteFlags alter how a single write is framed or flushed.
type WriteFlags uint8

const (
	// WriteDoNotCompress sends the message uncompressed.
	WriteDoNotCompress WriteFlags = 1 << iota
	// WriteDirectSocketWrite flushes every queue as part of the write.
	WriteDirectSocketWrite
)

// WriteResult reports the effect of one write.
type WriteResult struct {
	// BytesWritten is the framed size put on the wire for this message,
	// headers and compression included.
	BytesWritten int
	// UncompressedBytesWritten is the framed size had nothing been compressed.
	UncompressedBytesWritten int
	// Queued is the number of bytes still waiting for a flush after the write.
	Queued int
}

// ReadStats reports the effect of one read.
type ReadStats struct {
	BytesRead             int
	UncompressedBytesRead int
}
