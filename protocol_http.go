package ripc

import (
	"github.com/pkg/errors"

	"github.com/Zereker/ripc/wire"
)

var errShortChunk = errors.New("short chunk form is reserved for pings")

// HTTPProtocol is RIPC tunneled through HTTP chunked transfer encoding. Every
// RIPC message occupies exactly one chunk; pings use the one digit size line.
type HTTPProtocol struct {
	ripcFraming
}

func (HTTPProtocol) Kind() ProtocolKind { return KindHTTP }

// ReadEnvelope peeks offsets 1-2 and 4-5 for the CRLF ending the size line;
// see wire.PeekChunkHeader. A short form chunk must be a ping or the final
// zero-size chunk.
func (HTTPProtocol) ReadEnvelope(b []byte) (Envelope, error) {
	ch, need, err := wire.PeekChunkHeader(b)
	if err != nil {
		return Envelope{}, err
	}
	if need > 0 {
		return Envelope{Need: need}, nil
	}

	if ch.Len == wire.ShortChunkHeaderSize {
		switch ch.Size {
		case 0:
			return Envelope{Prefix: ch.Len, Control: ControlEnd}, nil
		case wire.HeaderSize:
		default:
			return Envelope{}, errors.Wrapf(errShortChunk, "size %d", ch.Size)
		}
	}

	if len(b) < ch.Len+wire.HeaderSize {
		return Envelope{Need: ch.Len + wire.HeaderSize}, nil
	}
	if err := checkRIPCLength(b[ch.Len:], ch.Size); err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		Prefix: ch.Len,
		Length: ch.Size,
		Suffix: wire.ChunkTrailerSize,
		Opcode: wire.OpBinary,
		Fin:    true,
	}
	if total := env.Total(); len(b) >= total && !wire.IsChunkTrailer(b[total-wire.ChunkTrailerSize:]) {
		return Envelope{}, wire.ErrChunkMarker
	}
	return env, nil
}

func (HTTPProtocol) EstimateHeaderLength(int) int {
	return wire.ChunkHeaderSize + wire.ChunkTrailerSize
}

func (HTTPProtocol) MaxHeaderLength() int { return wire.ChunkHeaderSize }
func (HTTPProtocol) TrailerLength() int   { return wire.ChunkTrailerSize }

func (HTTPProtocol) PrependHeader(b []byte, start, end int, _ FrameInfo) int {
	off := start - wire.ChunkHeaderSize
	_, _ = wire.PutChunkHeader(b[off:], end-start)
	_, _ = wire.PutChunkTrailer(b[end:])
	return off
}

func (HTTPProtocol) PingFrame() []byte {
	b := make([]byte, wire.ShortChunkHeaderSize+wire.HeaderSize+wire.ChunkTrailerSize)
	_, _ = wire.PutShortChunkHeader(b, wire.HeaderSize)
	copy(b[wire.ShortChunkHeaderSize:], wire.Ping[:])
	_, _ = wire.PutChunkTrailer(b[wire.ShortChunkHeaderSize+wire.HeaderSize:])
	return b
}

func (HTTPProtocol) PongFrame([]byte) []byte { return nil }

// CloseFrame is the terminating zero-size chunk.
func (HTTPProtocol) CloseFrame() []byte {
	return []byte("0\r\n\r\n")
}
