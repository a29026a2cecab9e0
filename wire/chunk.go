package wire

import "github.com/pkg/errors"

// HTTP chunk framing used by tunneled connections. Each RIPC message travels
// in its own chunk: a hex size line, the message, then CRLF.
const (
	// ShortChunkHeaderSize is one hex digit plus CRLF. Only pings and the
	// terminating chunk use it.
	ShortChunkHeaderSize = 3
	// ChunkHeaderSize is four hex digits plus CRLF.
	ChunkHeaderSize = 6
	// ChunkTrailerSize is the CRLF closing every chunk.
	ChunkTrailerSize = 2
	// MaxChunkSize is the largest size four hex digits describe.
	MaxChunkSize = 0xFFFF
)

var (
	ErrChunkMarker = errors.New("wire: missing chunk CRLF marker")
	ErrChunkSize   = errors.New("wire: invalid chunk size")
)

const hexDigits = "0123456789abcdef"

// ChunkHeader is a decoded chunk size line.
type ChunkHeader struct {
	Size int // payload bytes
	Len  int // bytes taken by the size line
}

// PeekChunkHeader inspects the start of b for a chunk size line. The short
// form is recognised by CRLF at offsets 1 and 2, the long form by CRLF at
// offsets 4 and 5; nothing else is accepted. When b is too short to decide,
// need reports how many bytes must be present before trying again.
func PeekChunkHeader(b []byte) (h ChunkHeader, need int, err error) {
	if len(b) < ShortChunkHeaderSize {
		return h, ShortChunkHeaderSize, nil
	}
	if b[1] == '\r' && b[2] == '\n' {
		size, ok := parseHex(b[:1])
		if !ok {
			return h, 0, ErrChunkSize
		}
		return ChunkHeader{Size: size, Len: ShortChunkHeaderSize}, 0, nil
	}
	if len(b) < ChunkHeaderSize {
		return h, ChunkHeaderSize, nil
	}
	if b[4] != '\r' || b[5] != '\n' {
		return h, 0, ErrChunkMarker
	}
	size, ok := parseHex(b[:4])
	if !ok {
		return h, 0, ErrChunkSize
	}
	return ChunkHeader{Size: size, Len: ChunkHeaderSize}, 0, nil
}

// PutChunkHeader writes the long form size line for size bytes.
func PutChunkHeader(b []byte, size int) (int, error) {
	if size < 0 || size > MaxChunkSize {
		return 0, ErrChunkSize
	}
	if len(b) < ChunkHeaderSize {
		return 0, ErrShortBuffer
	}
	b[0] = hexDigits[size>>12&0xF]
	b[1] = hexDigits[size>>8&0xF]
	b[2] = hexDigits[size>>4&0xF]
	b[3] = hexDigits[size&0xF]
	b[4] = '\r'
	b[5] = '\n'
	return ChunkHeaderSize, nil
}

// PutShortChunkHeader writes the one digit size line.
func PutShortChunkHeader(b []byte, size int) (int, error) {
	if size < 0 || size > 0xF {
		return 0, ErrChunkSize
	}
	if len(b) < ShortChunkHeaderSize {
		return 0, ErrShortBuffer
	}
	b[0] = hexDigits[size]
	b[1] = '\r'
	b[2] = '\n'
	return ShortChunkHeaderSize, nil
}

// PutChunkTrailer writes the CRLF closing a chunk.
func PutChunkTrailer(b []byte) (int, error) {
	if len(b) < ChunkTrailerSize {
		return 0, ErrShortBuffer
	}
	b[0] = '\r'
	b[1] = '\n'
	return ChunkTrailerSize, nil
}

// IsChunkTrailer reports whether b starts with CRLF.
func IsChunkTrailer(b []byte) bool {
	return len(b) >= ChunkTrailerSize && b[0] == '\r' && b[1] == '\n'
}

func parseHex(b []byte) (int, bool) {
	n := 0
	for _, c := range b {
		var d byte
		switch {
		case c >= '0' && c <= '9':
			d = c - '0'
		case c >= 'a' && c <= 'f':
			d = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			d = c - 'A' + 10
		default:
			return 0, false
		}
		n = n<<4 | int(d)
	}
	return n, true
}
