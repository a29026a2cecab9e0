package ripc

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/Zereker/ripc/wire"
)

// ProtocolKind names a wire format family.
type ProtocolKind int

const (
	KindRIPC ProtocolKind = iota
	KindHTTP
	KindWebSocket
)

func (k ProtocolKind) String() string {
	switch k {
	case KindRIPC:
		return "ripc"
	case KindHTTP:
		return "http"
	case KindWebSocket:
		return "websocket"
	}
	return fmt.Sprintf("ProtocolKind(%d)", int(k))
}

// ParseProtocolKind maps a name to its ProtocolKind.
func ParseProtocolKind(s string) (ProtocolKind, error) {
	switch s {
	case "ripc", "socket", "":
		return KindRIPC, nil
	case "http":
		return KindHTTP, nil
	case "ws", "websocket":
		return KindWebSocket, nil
	}
	return KindRIPC, errors.Errorf("unknown protocol %q", s)
}

// Control marks envelopes that carry transport signalling instead of data.
type Control int

const (
	ControlNone Control = iota
	ControlPing
	ControlPong
	// ControlClose is a WebSocket close frame.
	ControlClose
	// ControlEnd is an in-band end of stream, such as the last HTTP chunk.
	ControlEnd
)

// Envelope describes the transport unit at the start of a read window.
type Envelope struct {
	// Need, when positive, is the number of bytes that must be present before
	// the envelope can be decoded. All other fields are then unset.
	Need int

	Prefix  int // transport bytes before the payload
	Length  int // payload bytes
	Suffix  int // transport bytes after the payload
	Control Control

	// WebSocket frame attributes.
	Opcode     wire.Opcode
	Fin        bool
	Compressed bool
	Masked     bool
	MaskKey    [4]byte
}

// Total is the size of the whole envelope.
func (e Envelope) Total() int {
	return e.Prefix + e.Length + e.Suffix
}

// FrameInfo selects the transport frame written around one message.
type FrameInfo struct {
	Opcode     wire.Opcode
	Fin        bool
	Compressed bool
}

var binaryFrame = FrameInfo{Opcode: wire.OpBinary, Fin: true}

// Fragment describes one RIPC fragment for PopulateFragment.
type Fragment struct {
	First bool
	ID    uint16
	IDLen int
	Total uint32
	Flags wire.Flags // extra flags, such as compression
}

// Protocol is the capability set of a wire format family. Read and write paths
// call through it instead of branching on the transport.
type Protocol interface {
	Kind() ProtocolKind
	// CarriesRIPC reports whether payloads are RIPC messages. When false the
	// payload is the application message itself.
	CarriesRIPC() bool

	// ReadEnvelope decodes the envelope at the start of b, which holds every
	// unconsumed byte received so far.
	ReadEnvelope(b []byte) (Envelope, error)

	// EstimateHeaderLength is the transport overhead around an n byte message.
	EstimateHeaderLength(n int) int
	// MaxHeaderLength is the most transport bytes ever placed before a message.
	MaxHeaderLength() int
	// TrailerLength is the transport bytes placed after a message.
	TrailerLength() int
	// PrependHeader frames the message at b[start:end] in place and returns
	// the offset of the first byte to send. Trailers are written at b[end:].
	PrependHeader(b []byte, start, end int, fi FrameInfo) int

	// FragmentHeaderLength is the per-fragment message header size.
	FragmentHeaderLength(first bool, idLen int) int
	// PopulateFragment writes the fragment header for the payload at
	// b[start:end] ahead of start and returns where the message begins.
	PopulateFragment(b []byte, start, end int, f Fragment) int

	PingFrame() []byte
	// PongFrame answers a ping carrying payload. Nil means no answer is due.
	PongFrame(payload []byte) []byte
	// CompressionEligible reports whether an n byte message should be
	// compressed under thresholds low and high (zero high means no bound).
	CompressionEligible(n, low, high int) bool
	// CloseFrame is sent when the channel closes. Nil means nothing is sent.
	CloseFrame() []byte
}

// NewProtocol returns the protocol for kind with default parameters. Use
// NewWebSocketProtocol to choose the WebSocket role and sub-protocol.
func NewProtocol(kind ProtocolKind) (Protocol, error) {
	switch kind {
	case KindRIPC:
		return RIPCProtocol{}, nil
	case KindHTTP:
		return HTTPProtocol{}, nil
	case KindWebSocket:
		return NewWebSocketProtocol(false, SubprotocolRWF, false), nil
	}
	return nil, errors.Errorf("unsupported protocol kind %d", kind)
}

// ripcFraming is the framing shared by every family that carries RIPC.
type ripcFraming struct{}

func (ripcFraming) CarriesRIPC() bool { return true }

func (ripcFraming) FragmentHeaderLength(first bool, idLen int) int {
	if first {
		return wire.FirstFragmentHeaderSize + idLen
	}
	return wire.FragmentHeaderSize + idLen
}

func (r ripcFraming) PopulateFragment(b []byte, start, end int, f Fragment) int {
	off := start - r.FragmentHeaderLength(f.First, f.IDLen)
	h := wire.Header{
		Length:     uint16(end - off),
		Flags:      wire.FlagData | wire.FlagHasOptionalFlags | f.Flags,
		OptFlags:   wire.OptFragment,
		FragmentID: f.ID,
	}
	if f.First {
		h.OptFlags = wire.OptFragmentHeader
		h.TotalLength = f.Total
	}
	// Buffers are sized by the writer, so encoding cannot run short.
	_, _ = h.Encode(b[off:], f.IDLen)
	return off
}

func (ripcFraming) CompressionEligible(n, low, high int) bool {
	return n >= low && (high <= 0 || n <= high)
}

// checkRIPCLength validates the RIPC length inside a transport payload.
func checkRIPCLength(payload []byte, want int) error {
	n, err := wire.PeekLength(payload)
	if err != nil {
		return err
	}
	if n != want {
		return errors.Wrapf(ErrMessageLength, "payload %d, ripc length %d", want, n)
	}
	return nil
}
