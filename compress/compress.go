// Package compress provides the per-connection compressors negotiated by ripc
// channels. A Compressor keeps both directions of state for one connection:
// the deflate window carried between messages (context takeover) for zlib, or
// nothing at all for the stateless LZ4 block codec.
//
// Compressors are not safe for concurrent use; the owning channel serialises
// reads and writes.
package compress

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Type identifies a compression codec as negotiated on the wire.
type Type uint8

const (
	None Type = 0
	Zlib Type = 1
	LZ4  Type = 2
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Zlib:
		return "zlib"
	case LZ4:
		return "lz4"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ParseType maps a codec name to its Type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return None, nil
	case "zlib", "deflate":
		return Zlib, nil
	case "lz4":
		return LZ4, nil
	}
	return None, errors.Errorf("compress: unknown type %q", s)
}

// DefaultLowThreshold is the smallest payload worth compressing with t.
func (t Type) DefaultLowThreshold() int {
	switch t {
	case Zlib:
		return 30
	case LZ4:
		return 300
	}
	return 0
}

// DefaultLevel is the zlib level used when none is configured.
const DefaultLevel = 6

var (
	ErrDisabled  = errors.New("compression disabled")
	ErrTooLarge  = errors.New("decompressed size exceeds limit")
	ErrBadHeader = errors.New("invalid zlib header")
	ErrBadLevel  = errors.New("invalid compression level")
)

// Error wraps a codec failure so callers never see the underlying library's
// error types directly.
type Error struct {
	Type Type
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return "compress: " + e.Type.String() + " " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config selects and tunes a Compressor.
type Config struct {
	Type  Type
	Level int
	// NoContextTakeover resets the deflate window for every message.
	NoContextTakeover bool
	// Raw selects bare deflate without the zlib header, as WebSocket
	// permessage-deflate requires. Only meaningful for Zlib.
	Raw bool
	// MaxDecompressedSize bounds a single decompressed message. Zero means
	// unlimited for zlib and DefaultMaxDecompressedSize for LZ4.
	MaxDecompressedSize int
}

// DefaultMaxDecompressedSize bounds LZ4 output when no limit is configured,
// since LZ4 blocks do not carry their uncompressed size.
const DefaultMaxDecompressedSize = 1 << 20

// Compressor compresses and decompresses whole messages.
type Compressor interface {
	Type() Type
	// Compress appends the compressed form of src to dst.
	Compress(dst, src []byte) ([]byte, error)
	// Decompress appends the decompressed form of src to dst. Messages must be
	// decompressed in the order the peer compressed them.
	Decompress(dst, src []byte) ([]byte, error)
	// MaxCompressedLen bounds the output of Compress for n input bytes.
	MaxCompressedLen(n int) int
	// Reset discards any context carried between messages.
	Reset()
	Close() error
}

// New returns the Compressor described by cfg.
func New(cfg Config) (Compressor, error) {
	switch cfg.Type {
	case Zlib:
		return newZlib(cfg)
	case LZ4:
		return newLZ4(cfg), nil
	case None:
		return nil, ErrDisabled
	}
	return nil, errors.Errorf("compress: unsupported type %d", cfg.Type)
}
