package compress

import (
	"slices"

	"github.com/pierrec/lz4/v4"
)

// lz4Compressor encodes each message as an independent LZ4 block. It carries
// no context between messages, so NoContextTakeover has no effect.
type lz4Compressor struct {
	cfg Config
	c   lz4.Compressor
}

func newLZ4(cfg Config) *lz4Compressor {
	if cfg.MaxDecompressedSize <= 0 {
		cfg.MaxDecompressedSize = DefaultMaxDecompressedSize
	}
	return &lz4Compressor{cfg: cfg}
}

func (l *lz4Compressor) Type() Type { return LZ4 }

func (l *lz4Compressor) Compress(dst, src []byte) ([]byte, error) {
	if len(src) == 0 {
		return dst, nil
	}
	bound := lz4.CompressBlockBound(len(src))
	dst = slices.Grow(dst, bound)
	n, err := l.c.CompressBlock(src, dst[len(dst):len(dst)+bound])
	if err != nil {
		return dst, &Error{Type: LZ4, Op: "compress", Err: err}
	}
	return dst[:len(dst)+n], nil
}

func (l *lz4Compressor) Decompress(dst, src []byte) ([]byte, error) {
	if len(src) == 0 {
		return dst, nil
	}
	limit := l.cfg.MaxDecompressedSize
	dst = slices.Grow(dst, limit)
	n, err := lz4.UncompressBlock(src, dst[len(dst):len(dst)+limit])
	if err != nil {
		return dst, &Error{Type: LZ4, Op: "decompress", Err: err}
	}
	return dst[:len(dst)+n], nil
}

func (l *lz4Compressor) MaxCompressedLen(n int) int {
	return lz4.CompressBlockBound(n)
}

func (l *lz4Compressor) Reset() {}

func (l *lz4Compressor) Close() error { return nil }
