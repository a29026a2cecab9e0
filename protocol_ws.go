package ripc

import (
	"math/rand"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/Zereker/ripc/wire"
)

// Subprotocol is the payload format negotiated during the WebSocket upgrade.
type Subprotocol int

const (
	// SubprotocolRWF carries one RIPC message per binary frame.
	SubprotocolRWF Subprotocol = iota
	// SubprotocolJSON carries JSON text messages, which may span frames and
	// may use permessage-deflate.
	SubprotocolJSON
)

func (s Subprotocol) String() string {
	if s == SubprotocolJSON {
		return "tr_json2"
	}
	return "rssl.rwf"
}

var (
	errReservedBits = errors.New("reserved websocket bits set")
	errRWFFrame     = errors.New("rwf payloads must be single binary frames")
)

// WebSocketProtocol frames messages as RFC6455 frames. Clients mask every
// frame they send.
type WebSocketProtocol struct {
	ripcFraming

	Client      bool
	Subprotocol Subprotocol
	// Deflate enables permessage-deflate. It applies to JSON only.
	Deflate bool
}

// NewWebSocketProtocol returns the WebSocket protocol for the given role.
func NewWebSocketProtocol(client bool, sub Subprotocol, deflate bool) *WebSocketProtocol {
	return &WebSocketProtocol{Client: client, Subprotocol: sub, Deflate: deflate && sub == SubprotocolJSON}
}

func (p *WebSocketProtocol) Kind() ProtocolKind { return KindWebSocket }

func (p *WebSocketProtocol) CarriesRIPC() bool {
	return p.Subprotocol == SubprotocolRWF
}

func (p *WebSocketProtocol) ReadEnvelope(b []byte) (Envelope, error) {
	if need := wire.FrameHeaderSize(b); len(b) < need {
		return Envelope{Need: need}, nil
	}
	h, n, err := wire.DecodeFrameHeader(b)
	if err != nil {
		return Envelope{}, err
	}
	if h.RSV2 || h.RSV3 {
		return Envelope{}, errReservedBits
	}
	if h.RSV1 && (!p.Deflate || h.Opcode.IsControl() || h.Opcode == wire.OpContinuation) {
		return Envelope{}, errReservedBits
	}
	if h.PayloadLength > uint64(maxPayload) {
		return Envelope{}, wire.ErrInvalidFrameLength
	}

	env := Envelope{
		Prefix:     n,
		Length:     int(h.PayloadLength),
		Opcode:     h.Opcode,
		Fin:        h.Fin,
		Compressed: h.RSV1,
		Masked:     h.Masked,
		MaskKey:    h.MaskKey,
	}
	switch h.Opcode {
	case wire.OpPing:
		env.Control = ControlPing
	case wire.OpPong:
		env.Control = ControlPong
	case wire.OpClose:
		env.Control = ControlClose
	default:
		if p.CarriesRIPC() {
			if h.Opcode != wire.OpBinary || !h.Fin {
				return Envelope{}, errors.Wrapf(errRWFFrame, "%s frame fin=%v", h.Opcode, h.Fin)
			}
			if env.Length < wire.HeaderSize {
				return Envelope{}, errors.Wrapf(ErrMessageLength, "payload %d", env.Length)
			}
		}
	}
	return env, nil
}

// maxPayload bounds a single frame; larger frames are rejected before any
// buffer is grown for them.
const maxPayload = 1 << 30

func (p *WebSocketProtocol) EstimateHeaderLength(n int) int {
	return wire.HeaderSizeFor(n, p.Client)
}

func (p *WebSocketProtocol) MaxHeaderLength() int {
	return wire.HeaderSizeFor(wire.MaxMessageLength+1, p.Client)
}

func (p *WebSocketProtocol) TrailerLength() int { return 0 }

func (p *WebSocketProtocol) PrependHeader(b []byte, start, end int, fi FrameInfo) int {
	h := wire.FrameHeader{
		Fin:           fi.Fin,
		RSV1:          fi.Compressed,
		Opcode:        fi.Opcode,
		Masked:        p.Client,
		PayloadLength: uint64(end - start),
	}
	if p.Client {
		h.MaskKey = newMaskKey()
	}
	off := start - h.Size()
	_, _ = h.Encode(b[off:])
	if p.Client {
		wire.MaskBytes(h.MaskKey, 0, b[start:end])
	}
	return off
}

func (p *WebSocketProtocol) FragmentHeaderLength(first bool, idLen int) int {
	if !p.CarriesRIPC() {
		return 0
	}
	return p.ripcFraming.FragmentHeaderLength(first, idLen)
}

func (p *WebSocketProtocol) PopulateFragment(b []byte, start, end int, f Fragment) int {
	if !p.CarriesRIPC() {
		return start
	}
	return p.ripcFraming.PopulateFragment(b, start, end, f)
}

func (p *WebSocketProtocol) PingFrame() []byte {
	if p.CarriesRIPC() {
		return p.frame(FrameInfo{Opcode: wire.OpBinary, Fin: true}, wire.Ping[:])
	}
	return p.frame(FrameInfo{Opcode: wire.OpPing, Fin: true}, nil)
}

func (p *WebSocketProtocol) PongFrame(payload []byte) []byte {
	if len(payload) > wire.MaxControlPayload {
		payload = payload[:wire.MaxControlPayload]
	}
	return p.frame(FrameInfo{Opcode: wire.OpPong, Fin: true}, payload)
}

func (p *WebSocketProtocol) CompressionEligible(n, low, high int) bool {
	if p.CarriesRIPC() {
		return p.ripcFraming.CompressionEligible(n, low, high)
	}
	return p.Deflate && p.ripcFraming.CompressionEligible(n, low, high)
}

// CloseFrame carries status 1001, going away.
func (p *WebSocketProtocol) CloseFrame() []byte {
	return p.frame(FrameInfo{Opcode: wire.OpClose, Fin: true}, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

// frame builds a standalone frame around a copy of payload.
func (p *WebSocketProtocol) frame(fi FrameInfo, payload []byte) []byte {
	hs := p.EstimateHeaderLength(len(payload))
	b := make([]byte, hs+len(payload))
	copy(b[hs:], payload)
	p.PrependHeader(b, hs, len(b), fi)
	return b
}

func newMaskKey() [4]byte {
	n := rand.Uint32()
	return [4]byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
}
