package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Opcode is an RFC6455 frame opcode.
type Opcode uint8

const (
	OpContinuation Opcode = 0
	OpText         Opcode = websocket.TextMessage
	OpBinary       Opcode = websocket.BinaryMessage
	OpClose        Opcode = websocket.CloseMessage
	OpPing         Opcode = websocket.PingMessage
	OpPong         Opcode = websocket.PongMessage
)

// IsControl reports whether o is a control opcode.
func (o Opcode) IsControl() bool {
	return o&0x08 != 0
}

func (o Opcode) valid() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	}
	return fmt.Sprintf("opcode(%d)", uint8(o))
}

const (
	finBit  = 0x80
	rsv1Bit = 0x40
	rsv2Bit = 0x20
	rsv3Bit = 0x10
	maskBit = 0x80

	// MaxFrameHeaderSize is 2 + 8 byte extended length + 4 byte mask key.
	MaxFrameHeaderSize = 14
	// MaxControlPayload is the RFC6455 limit on control frame payloads.
	MaxControlPayload = 125
)

var (
	ErrInvalidOpcode       = errors.New("wire: invalid websocket opcode")
	ErrInvalidControlFrame = errors.New("wire: fragmented or oversized control frame")
	ErrInvalidFrameLength  = errors.New("wire: invalid websocket payload length")
)

// FrameHeader is a decoded RFC6455 frame header.
type FrameHeader struct {
	Fin           bool
	RSV1          bool // permessage-deflate compressed
	RSV2          bool
	RSV3          bool
	Opcode        Opcode
	Masked        bool
	MaskKey       [4]byte
	PayloadLength uint64
}

// FrameHeaderSize returns the header size announced by the bytes available in
// b. With fewer than two bytes it returns the minimum header size.
func FrameHeaderSize(b []byte) int {
	if len(b) < 2 {
		return 2
	}
	n := 2
	switch b[1] & 0x7F {
	case 126:
		n += 2
	case 127:
		n += 8
	}
	if b[1]&maskBit != 0 {
		n += 4
	}
	return n
}

// HeaderSizeFor returns the header size needed to frame a payload of n bytes.
func HeaderSizeFor(n int, masked bool) int {
	size := 2
	switch {
	case n > 0xFFFF:
		size += 8
	case n > 125:
		size += 2
	}
	if masked {
		size += 4
	}
	return size
}

// DecodeFrameHeader decodes the frame header at the start of b, which must
// hold at least FrameHeaderSize(b) bytes.
func DecodeFrameHeader(b []byte) (FrameHeader, int, error) {
	var h FrameHeader
	n := FrameHeaderSize(b)
	if len(b) < n {
		return h, 0, ErrShortBuffer
	}

	h.Fin = b[0]&finBit != 0
	h.RSV1 = b[0]&rsv1Bit != 0
	h.RSV2 = b[0]&rsv2Bit != 0
	h.RSV3 = b[0]&rsv3Bit != 0
	h.Opcode = Opcode(b[0] & 0x0F)
	h.Masked = b[1]&maskBit != 0

	off := 2
	switch l := b[1] & 0x7F; l {
	case 126:
		h.PayloadLength = uint64(binary.BigEndian.Uint16(b[off:]))
		off += 2
	case 127:
		h.PayloadLength = binary.BigEndian.Uint64(b[off:])
		if h.PayloadLength>>63 != 0 {
			return h, 0, ErrInvalidFrameLength
		}
		off += 8
	default:
		h.PayloadLength = uint64(l)
	}
	if h.Masked {
		copy(h.MaskKey[:], b[off:off+4])
	}

	if !h.Opcode.valid() {
		return h, 0, ErrInvalidOpcode
	}
	if h.Opcode.IsControl() && (!h.Fin || h.PayloadLength > MaxControlPayload) {
		return h, 0, ErrInvalidControlFrame
	}
	return h, n, nil
}

// Size returns the encoded size of h.
func (h FrameHeader) Size() int {
	if h.PayloadLength > 0xFFFF {
		return HeaderSizeFor(0x10000, h.Masked)
	}
	return HeaderSizeFor(int(h.PayloadLength), h.Masked)
}

// Encode writes h to the start of b and returns the bytes written.
func (h FrameHeader) Encode(b []byte) (int, error) {
	n := h.Size()
	if len(b) < n {
		return 0, ErrShortBuffer
	}

	b[0] = byte(h.Opcode) & 0x0F
	if h.Fin {
		b[0] |= finBit
	}
	if h.RSV1 {
		b[0] |= rsv1Bit
	}
	if h.RSV2 {
		b[0] |= rsv2Bit
	}
	if h.RSV3 {
		b[0] |= rsv3Bit
	}

	var mask byte
	if h.Masked {
		mask = maskBit
	}
	off := 2
	switch {
	case h.PayloadLength > 0xFFFF:
		b[1] = 127 | mask
		binary.BigEndian.PutUint64(b[off:], h.PayloadLength)
		off += 8
	case h.PayloadLength > 125:
		b[1] = 126 | mask
		binary.BigEndian.PutUint16(b[off:], uint16(h.PayloadLength))
		off += 2
	default:
		b[1] = byte(h.PayloadLength) | mask
	}
	if h.Masked {
		copy(b[off:], h.MaskKey[:])
	}
	return n, nil
}

// MaskBytes XORs b with key starting at key position pos and returns the
// position following the last byte, so a payload can be masked in pieces.
func MaskBytes(key [4]byte, pos int, b []byte) int {
	for i := range b {
		b[i] ^= key[pos&3]
		pos++
	}
	return pos & 3
}
