// Package wire implements the raster frame format carried on disk and
// across the convert stream: a 12-byte big-endian header (int32 width,
// int32 height, int32 channels) followed by the raw interleaved pixel
// payload. Frames may additionally be wrapped in gzip, bzip2 or xz;
// DecodeCompressed detects the wrapping by magic bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/jmylchreest/imgarr/internal/imaging"
)

const (
	// HeaderSize is the fixed frame header length in bytes.
	HeaderSize = 12

	// MaxChannels is the widest channel layout the frame format
	// carries (RGBA).
	MaxChannels = 4

	// maxPayloadBytes caps the declared payload so a hostile header
	// cannot drive a giant allocation.
	maxPayloadBytes = 1 << 30
)

var (
	// ErrTruncatedHeader indicates fewer bytes than a frame header.
	ErrTruncatedHeader = errors.New("truncated frame header")

	// ErrMalformedHeader indicates a header whose declared geometry is
	// not decodable: a non-positive field, too many channels, or a
	// payload size past the sanity bound. Malformed headers are a hard
	// error; the decoder never guesses dimensions.
	ErrMalformedHeader = errors.New("malformed frame header")

	// ErrTruncatedPayload indicates a valid header whose payload is
	// shorter than the declared width*height*channels bytes.
	ErrTruncatedPayload = errors.New("truncated frame payload")
)

// Encode serializes buf into a standalone frame.
func Encode(buf *imaging.PixelBuffer) ([]byte, error) {
	if err := buf.Validate(); err != nil {
		return nil, err
	}
	if err := validateGeometry(buf.Width, buf.Height, buf.Channels); err != nil {
		return nil, err
	}

	out := make([]byte, HeaderSize+len(buf.Pix))
	binary.BigEndian.PutUint32(out[0:4], uint32(buf.Width))
	binary.BigEndian.PutUint32(out[4:8], uint32(buf.Height))
	binary.BigEndian.PutUint32(out[8:12], uint32(buf.Channels))
	copy(out[HeaderSize:], buf.Pix)
	return out, nil
}

// EncodeTo writes buf as a frame to w.
func EncodeTo(w io.Writer, buf *imaging.PixelBuffer) error {
	data, err := Encode(buf)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Decode parses a frame from data. Bytes beyond the declared payload
// are ignored. The returned buffer owns its pixel storage; data is not
// retained.
func Decode(data []byte) (*imaging.PixelBuffer, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrTruncatedHeader, len(data), HeaderSize)
	}

	width := int(int32(binary.BigEndian.Uint32(data[0:4])))
	height := int(int32(binary.BigEndian.Uint32(data[4:8])))
	channels := int(int32(binary.BigEndian.Uint32(data[8:12])))
	if err := validateGeometry(width, height, channels); err != nil {
		return nil, err
	}

	n := width * height * channels
	if len(data) < HeaderSize+n {
		return nil, fmt.Errorf("%w: have %d payload bytes, want %d",
			ErrTruncatedPayload, len(data)-HeaderSize, n)
	}

	pix := make([]byte, n)
	copy(pix, data[HeaderSize:HeaderSize+n])
	return imaging.NewPixelBufferFrom(width, height, channels, pix)
}

// DecodeFrom reads exactly one frame from r, leaving any trailing
// bytes unread.
func DecodeFrom(r io.Reader) (*imaging.PixelBuffer, error) {
	var header [HeaderSize]byte
	if n, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: read %d of %d header bytes", ErrTruncatedHeader, n, HeaderSize)
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	width := int(int32(binary.BigEndian.Uint32(header[0:4])))
	height := int(int32(binary.BigEndian.Uint32(header[4:8])))
	channels := int(int32(binary.BigEndian.Uint32(header[8:12])))
	if err := validateGeometry(width, height, channels); err != nil {
		return nil, err
	}

	pix := make([]byte, width*height*channels)
	if n, err := io.ReadFull(r, pix); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: read %d of %d payload bytes", ErrTruncatedPayload, n, len(pix))
		}
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return imaging.NewPixelBufferFrom(width, height, channels, pix)
}

// EncodedSize returns the frame length buf will serialize to.
func EncodedSize(buf *imaging.PixelBuffer) int {
	return HeaderSize + len(buf.Pix)
}

// SniffFrame reports whether prefix begins with a plausible frame
// header. The format has no magic signature, so detection verifies
// the declared geometry instead: header fields must be decodable and,
// when the total input size is known (total >= 0), large enough to
// hold the declared payload. Detection never guesses dimensions;
// Decode remains the authority.
func SniffFrame(prefix []byte, total int64) bool {
	if len(prefix) < HeaderSize {
		return false
	}
	width := int(int32(binary.BigEndian.Uint32(prefix[0:4])))
	height := int(int32(binary.BigEndian.Uint32(prefix[4:8])))
	channels := int(int32(binary.BigEndian.Uint32(prefix[8:12])))
	if validateGeometry(width, height, channels) != nil {
		return false
	}
	if total >= 0 && int64(HeaderSize)+int64(width)*int64(height)*int64(channels) > total {
		return false
	}
	return true
}

func validateGeometry(width, height, channels int) error {
	if width <= 0 || height <= 0 || channels <= 0 {
		return fmt.Errorf("%w: %dx%dx%d", ErrMalformedHeader, width, height, channels)
	}
	if channels > MaxChannels {
		return fmt.Errorf("%w: %d channels exceeds %d", ErrMalformedHeader, channels, MaxChannels)
	}
	if n := int64(width) * int64(height) * int64(channels); n > maxPayloadBytes {
		return fmt.Errorf("%w: declared payload %d exceeds %d bytes", ErrMalformedHeader, n, int64(maxPayloadBytes))
	}
	return nil
}
