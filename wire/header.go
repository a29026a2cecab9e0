// Package wire holds the byte-level codecs used by the ripc transport: the
// RIPC message header, RFC6455 WebSocket frame headers and the HTTP chunk
// framing used by tunneled connections.
//
// Codecs operate on caller-owned slices at caller-chosen offsets so headers can
// be written in place ahead of a payload that is already in the buffer.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// RIPC header layout.
const (
	// HeaderSize is the length field plus the flags byte.
	HeaderSize = 3
	// OptFlagsOffset is the offset of the extended flags byte.
	OptFlagsOffset = 3
	// TotalLengthOffset is the offset of the 4 byte total length in a first fragment.
	TotalLengthOffset = 4
	// FirstFragmentHeaderSize is the first fragment header without its id.
	FirstFragmentHeaderSize = 8
	// FragmentHeaderSize is the continuation header without its id.
	FragmentHeaderSize = 4
	// PackedPrefixSize is the sub-message length prefix inside a packed envelope.
	PackedPrefixSize = 2
	// MaxMessageLength is the largest message the 2 byte length can describe.
	MaxMessageLength = 0xFFFF
)

var (
	ErrShortBuffer     = errors.New("wire: buffer too short")
	ErrInvalidLength   = errors.New("wire: invalid message length")
	ErrInvalidIDLength = errors.New("wire: fragment id width must be 1 or 2")
)

// Ping is the RIPC heartbeat: a header-only data message.
var Ping = [HeaderSize]byte{0x00, HeaderSize, byte(FlagData)}

// Header is the decoded view of a RIPC message header.
type Header struct {
	Length      uint16 // whole message, header included
	Flags       Flags
	OptFlags    OptFlags
	TotalLength uint32 // first fragment only
	FragmentID  uint16 // fragments only
}

// IsPing reports whether the header describes a message without payload.
func (h Header) IsPing() bool {
	return h.Length == HeaderSize
}

// IsFirstFragment reports whether h opens a fragmented message.
func (h Header) IsFirstFragment() bool {
	return h.Flags.Has(FlagHasOptionalFlags) && h.OptFlags.Has(OptFragmentHeader)
}

// IsFragment reports whether h continues a fragmented message.
func (h Header) IsFragment() bool {
	return h.Flags.Has(FlagHasOptionalFlags) && !h.OptFlags.Has(OptFragmentHeader) && h.OptFlags.Has(OptFragment)
}

// Size returns the encoded header size for a fragment id width of idLen.
func (h Header) Size(idLen int) int {
	if !h.Flags.Has(FlagHasOptionalFlags) {
		return HeaderSize
	}
	switch {
	case h.OptFlags.Has(OptFragmentHeader):
		return FirstFragmentHeaderSize + idLen
	case h.OptFlags.Has(OptFragment):
		return FragmentHeaderSize + idLen
	}
	return HeaderSize + 1
}

// PeekLength returns the message length stored in the first two bytes of b.
func PeekLength(b []byte) (int, error) {
	if len(b) < 2 {
		return 0, ErrShortBuffer
	}
	return int(binary.BigEndian.Uint16(b)), nil
}

// DecodeHeader decodes the header at the start of b and returns it together
// with its encoded size. b must hold at least the whole header.
func DecodeHeader(b []byte, idLen int) (Header, int, error) {
	var h Header
	if idLen != 1 && idLen != 2 {
		return h, 0, ErrInvalidIDLength
	}
	if len(b) < HeaderSize {
		return h, 0, ErrShortBuffer
	}
	h.Length = binary.BigEndian.Uint16(b)
	h.Flags = Flags(b[2])
	if h.Length < HeaderSize {
		return h, 0, ErrInvalidLength
	}
	if !h.Flags.Has(FlagHasOptionalFlags) {
		return h, HeaderSize, nil
	}
	if len(b) <= OptFlagsOffset {
		return h, 0, ErrShortBuffer
	}
	h.OptFlags = OptFlags(b[OptFlagsOffset])
	size := h.Size(idLen)
	if int(h.Length) < size {
		return h, 0, ErrInvalidLength
	}
	if len(b) < size {
		return h, 0, ErrShortBuffer
	}
	switch {
	case h.OptFlags.Has(OptFragmentHeader):
		h.TotalLength = binary.BigEndian.Uint32(b[TotalLengthOffset:])
		h.FragmentID = GetID(b[FirstFragmentHeaderSize:], idLen)
	case h.OptFlags.Has(OptFragment):
		h.FragmentID = GetID(b[FragmentHeaderSize:], idLen)
	}
	return h, size, nil
}

// Encode writes h to the start of b and returns the bytes written.
func (h Header) Encode(b []byte, idLen int) (int, error) {
	if idLen != 1 && idLen != 2 {
		return 0, ErrInvalidIDLength
	}
	size := h.Size(idLen)
	if len(b) < size {
		return 0, ErrShortBuffer
	}
	if int(h.Length) < size {
		return 0, ErrInvalidLength
	}
	binary.BigEndian.PutUint16(b, h.Length)
	b[2] = byte(h.Flags)
	if !h.Flags.Has(FlagHasOptionalFlags) {
		return size, nil
	}
	b[OptFlagsOffset] = byte(h.OptFlags)
	switch {
	case h.OptFlags.Has(OptFragmentHeader):
		binary.BigEndian.PutUint32(b[TotalLengthOffset:], h.TotalLength)
		PutID(b[FirstFragmentHeaderSize:], h.FragmentID, idLen)
	case h.OptFlags.Has(OptFragment):
		PutID(b[FragmentHeaderSize:], h.FragmentID, idLen)
	}
	return size, nil
}

// PutLength rewrites the length field of the message starting at b.
func PutLength(b []byte, n int) {
	binary.BigEndian.PutUint16(b, uint16(n))
}

// GetID reads a fragment id of width idLen.
func GetID(b []byte, idLen int) uint16 {
	if idLen == 1 {
		return uint16(b[0])
	}
	return binary.BigEndian.Uint16(b)
}

// PutID writes a fragment id of width idLen.
func PutID(b []byte, id uint16, idLen int) {
	if idLen == 1 {
		b[0] = byte(id)
		return
	}
	binary.BigEndian.PutUint16(b, id)
}

// GetPackedLength reads a packed sub-message prefix.
func GetPackedLength(b []byte) int {
	return int(binary.BigEndian.Uint16(b))
}

// PutPackedLength writes a packed sub-message prefix.
func PutPackedLength(b []byte, n int) {
	binary.BigEndian.PutUint16(b, uint16(n))
}
