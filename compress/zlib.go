package compress

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
)

// windowSize is the deflate history a peer may reference.
const windowSize = 32 << 10

var (
	// syncTail ends every sync-flushed deflate block. WebSocket peers strip it.
	syncTail = []byte{0x00, 0x00, 0xff, 0xff}
	// finalTail is an empty final stored block, appended so the flate reader
	// reports io.EOF at the end of each message.
	finalTail = []byte{0x01, 0x00, 0x00, 0xff, 0xff}
)

// zlibCompressor sync-flushes a long-lived deflate writer after every message.
// Decompression resets a flate reader per message, seeding it with the last
// 32KB of output unless context takeover is disabled.
type zlibCompressor struct {
	cfg Config

	out bytes.Buffer
	zw  *zlib.Writer
	fw  *flate.Writer

	in         []byte
	src        bytes.Reader
	fr         io.ReadCloser
	window     []byte
	headerSeen bool
}

func newZlib(cfg Config) (*zlibCompressor, error) {
	if cfg.Level < flate.HuffmanOnly || cfg.Level > flate.BestCompression {
		return nil, &Error{Type: Zlib, Op: "init", Err: ErrBadLevel}
	}

	c := &zlibCompressor{cfg: cfg}
	var err error
	if cfg.Raw {
		c.fw, err = flate.NewWriter(&c.out, cfg.Level)
	} else {
		c.zw, err = zlib.NewWriterLevel(&c.out, cfg.Level)
	}
	if err != nil {
		return nil, &Error{Type: Zlib, Op: "init", Err: err}
	}
	return c, nil
}

func (c *zlibCompressor) Type() Type { return Zlib }

func (c *zlibCompressor) Compress(dst, src []byte) ([]byte, error) {
	c.out.Reset()
	if c.cfg.NoContextTakeover {
		c.resetWriter()
	}

	var err error
	if c.cfg.Raw {
		if _, err = c.fw.Write(src); err == nil {
			err = c.fw.Flush()
		}
	} else {
		if _, err = c.zw.Write(src); err == nil {
			err = c.zw.Flush()
		}
	}
	if err != nil {
		return dst, &Error{Type: Zlib, Op: "compress", Err: err}
	}

	out := c.out.Bytes()
	if c.cfg.Raw {
		out = bytes.TrimSuffix(out, syncTail)
	}
	return append(dst, out...), nil
}

func (c *zlibCompressor) Decompress(dst, src []byte) ([]byte, error) {
	if c.cfg.NoContextTakeover {
		c.window = c.window[:0]
		c.headerSeen = false
	}

	if !c.cfg.Raw && !c.headerSeen {
		if len(src) < 2 {
			return dst, &Error{Type: Zlib, Op: "decompress", Err: ErrBadHeader}
		}
		if err := checkHeader(src[0], src[1]); err != nil {
			return dst, &Error{Type: Zlib, Op: "decompress", Err: err}
		}
		src = src[2:]
		c.headerSeen = true
	}
	if len(src) == 0 {
		return dst, nil
	}

	c.in = append(c.in[:0], src...)
	if !bytes.HasSuffix(c.in, syncTail) {
		c.in = append(c.in, syncTail...)
	}
	c.in = append(c.in, finalTail...)
	c.src.Reset(c.in)

	var dict []byte
	if !c.cfg.NoContextTakeover {
		dict = c.window
	}
	if c.fr == nil {
		c.fr = flate.NewReaderDict(&c.src, dict)
	} else if err := c.fr.(flate.Resetter).Reset(&c.src, dict); err != nil {
		return dst, &Error{Type: Zlib, Op: "decompress", Err: err}
	}

	start := len(dst)
	for {
		if len(dst) == cap(dst) {
			dst = append(dst, 0)[:len(dst)]
		}
		n, err := c.fr.Read(dst[len(dst):cap(dst)])
		dst = dst[:len(dst)+n]
		if max := c.cfg.MaxDecompressedSize; max > 0 && len(dst)-start > max {
			return dst[:start], &Error{Type: Zlib, Op: "decompress", Err: ErrTooLarge}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return dst[:start], &Error{Type: Zlib, Op: "decompress", Err: err}
		}
	}

	if !c.cfg.NoContextTakeover {
		c.remember(dst[start:])
	}
	return dst, nil
}

func (c *zlibCompressor) MaxCompressedLen(n int) int {
	return n + n/1024 + 32
}

func (c *zlibCompressor) Reset() {
	c.resetWriter()
	c.window = c.window[:0]
	c.headerSeen = false
}

func (c *zlibCompressor) Close() error {
	if c.fr != nil {
		return c.fr.Close()
	}
	return nil
}

func (c *zlibCompressor) resetWriter() {
	if c.cfg.Raw {
		c.fw.Reset(&c.out)
	} else {
		c.zw.Reset(&c.out)
	}
}

// remember keeps the tail of the decompressed stream as the next dictionary.
func (c *zlibCompressor) remember(p []byte) {
	if len(p) >= windowSize {
		c.window = append(c.window[:0], p[len(p)-windowSize:]...)
		return
	}
	if over := len(c.window) + len(p) - windowSize; over > 0 {
		c.window = append(c.window[:0], c.window[over:]...)
	}
	c.window = append(c.window, p...)
}

func checkHeader(cmf, flg byte) error {
	if cmf&0x0F != 8 || cmf>>4 > 7 {
		return ErrBadHeader
	}
	if (uint16(cmf)<<8|uint16(flg))%31 != 0 {
		return ErrBadHeader
	}
	if flg&0x20 != 0 {
		return ErrBadHeader
	}
	return nil
}
