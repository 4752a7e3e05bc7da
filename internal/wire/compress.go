package wire

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"

	"github.com/jmylchreest/imgarr/internal/imaging"
)

// Compression names a frame wrapping for output.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionXZ   Compression = "xz"
)

// ParseCompression validates a configured compression name.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case CompressionNone, CompressionGzip, CompressionXZ:
		return Compression(s), nil
	case "":
		return CompressionNone, nil
	default:
		return "", fmt.Errorf("unknown frame compression %q", s)
	}
}

// DecodeCompressed reads one frame from r, auto-detecting gzip, bzip2
// or xz wrapping by magic bytes. Unwrapped frames pass straight
// through.
func DecodeCompressed(r io.Reader) (*imaging.PixelBuffer, error) {
	br := bufio.NewReader(r)

	header, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("peeking magic: %w", err)
	}

	var reader io.Reader = br

	switch {
	case len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b:
		// Gzip
		gzr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		defer gzr.Close()
		reader = gzr

	case len(header) >= 3 && header[0] == 'B' && header[1] == 'Z' && header[2] == 'h':
		// Bzip2
		reader = bzip2.NewReader(br)

	case len(header) >= 6 && header[0] == 0xfd && header[1] == '7' && header[2] == 'z' && header[3] == 'X' && header[4] == 'Z' && header[5] == 0x00:
		// XZ
		xzr, err := xz.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating xz reader: %w", err)
		}
		reader = xzr
	}

	return DecodeFrom(reader)
}

// EncodeCompressed writes buf as a frame wrapped in the given
// compression. Bzip2 output is not supported (the standard library
// only reads it), so writers choose between none, gzip and xz.
func EncodeCompressed(w io.Writer, buf *imaging.PixelBuffer, compression Compression) error {
	switch compression {
	case CompressionNone, "":
		return EncodeTo(w, buf)

	case CompressionGzip:
		gzw := gzip.NewWriter(w)
		if err := EncodeTo(gzw, buf); err != nil {
			gzw.Close()
			return err
		}
		if err := gzw.Close(); err != nil {
			return fmt.Errorf("closing gzip writer: %w", err)
		}
		return nil

	case CompressionXZ:
		xzw, err := xz.NewWriter(w)
		if err != nil {
			return fmt.Errorf("creating xz writer: %w", err)
		}
		if err := EncodeTo(xzw, buf); err != nil {
			xzw.Close()
			return err
		}
		if err := xzw.Close(); err != nil {
			return fmt.Errorf("closing xz writer: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown frame compression %q", compression)
	}
}
