package codec

import (
	"fmt"
	"strings"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the payload compression applied by Compressed.
type Compression string

const (
	// CompressionNone leaves payloads untouched.
	CompressionNone Compression = "none"
	// CompressionS2 uses klauspost s2 block compression.
	CompressionS2 Compression = "s2"
	// CompressionZstd uses zstd with the fastest encoder level.
	CompressionZstd Compression = "zstd"
)

// ParseCompression parses a compression name.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "s2", "snappy":
		return CompressionS2, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unsupported compression: %s", s)
	}
}

// Compressed wraps another codec and compresses its payloads.
//
// Size reports the worst-case compressed length of the inner size. It is
// a bound, not the encoded length; see SizeIsBound.
type Compressed[E any] struct {
	inner Codec[E]
	kind  Compression
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// NewCompressed wraps inner with the given compression. Close must be
// called to release zstd resources.
func NewCompressed[E any](inner Codec[E], kind Compression) (*Compressed[E], error) {
	c := &Compressed[E]{inner: inner, kind: kind}
	switch kind {
	case CompressionNone, CompressionS2:
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			_ = enc.Close()
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		c.enc = enc
		c.dec = dec
	default:
		return nil, fmt.Errorf("unsupported compression: %s", kind)
	}
	return c, nil
}

func (c *Compressed[E]) Encode(e E) ([]byte, error) {
	raw, err := c.inner.Encode(e)
	if err != nil {
		return nil, err
	}
	switch c.kind {
	case CompressionS2:
		return s2.Encode(nil, raw), nil
	case CompressionZstd:
		return c.enc.EncodeAll(raw, nil), nil
	default:
		return raw, nil
	}
}

func (c *Compressed[E]) Decode(data []byte) (E, error) {
	var (
		raw []byte
		err error
	)
	switch c.kind {
	case CompressionS2:
		raw, err = s2.Decode(nil, data)
	case CompressionZstd:
		raw, err = c.dec.DecodeAll(data, nil)
	default:
		raw = data
	}
	if err != nil {
		var zero E
		return zero, fmt.Errorf("failed to decompress payload: %w", err)
	}
	return c.inner.Decode(raw)
}

func (c *Compressed[E]) Size(e E) int {
	n := c.inner.Size(e)
	switch c.kind {
	case CompressionS2:
		if bound := s2.MaxEncodedLen(n); bound >= 0 {
			return bound
		}
		return n
	case CompressionZstd:
		return zstdBound(n)
	default:
		return n
	}
}

// SizeIsBound reports whether Size overestimates the encoded length.
func (c *Compressed[E]) SizeIsBound() bool {
	return c.kind != CompressionNone
}

// Close releases the zstd encoder and decoder, if any.
func (c *Compressed[E]) Close() error {
	if c.dec != nil {
		c.dec.Close()
	}
	if c.enc != nil {
		return c.enc.Close()
	}
	return nil
}

// zstdBound mirrors ZSTD_COMPRESSBOUND from the reference implementation.
func zstdBound(n int) int {
	bound := n + n>>8
	if n < 128<<10 {
		bound += (128<<10 - n) >> 11
	}
	return bound
}
