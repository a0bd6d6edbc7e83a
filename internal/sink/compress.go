package sink

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects a streaming codec for file sinks.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression normalises a configuration value.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "zstd", "zst":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	}
	return "", fmt.Errorf("unknown compression %q", s)
}

type encoder interface {
	io.Writer
	Flush() error
	Close() error
}

// compressed streams writes through an encoder and flushes after every
// write, so each frame is decodable as soon as Write returns.
type compressed struct {
	inner Sink
	enc   encoder
	codec Compression
}

// Compress wraps s in a streaming encoder. Closing the result closes s.
func Compress(s Sink, c Compression) (Sink, error) {
	var enc encoder
	switch c {
	case CompressionZstd:
		z, err := zstd.NewWriter(s, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		enc = z
	case CompressionLZ4:
		enc = lz4.NewWriter(s)
	case CompressionNone:
		return s, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
	return &compressed{inner: s, enc: enc, codec: c}, nil
}

func (c *compressed) Write(p []byte) (int, error) {
	n, err := c.enc.Write(p)
	if err != nil {
		return n, err
	}
	if err := c.enc.Flush(); err != nil {
		return 0, fmt.Errorf("%s flush: %w", c.codec, err)
	}
	return n, nil
}

func (c *compressed) Close() error {
	encErr := c.enc.Close()
	if err := c.inner.Close(); err != nil {
		return err
	}
	return encErr
}

func (c *compressed) Target() string { return c.inner.Target() }
