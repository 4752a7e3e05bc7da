// Package imaging implements the pixel transform engine: raw pixel
// buffers, aspect-preserving dimension math, bilinear resizing and
// luminance grayscale conversion. Transforms are exposed through the
// Backend interface so the implementation (hand-rolled or x/image
// accelerated) is selected once at startup.
package imaging

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedBuffer indicates a pixel buffer whose payload length
	// does not match width*height*channels.
	ErrMalformedBuffer = errors.New("malformed pixel buffer")

	// ErrInvalidDimensions indicates a zero or negative target size.
	ErrInvalidDimensions = errors.New("invalid dimensions")
)

// PixelBuffer is an uncompressed interleaved raster.
//
// Pix holds samples row-major, channel-interleaved:
// Pix[(y*Width+x)*Channels+c], len = Width*Height*Channels.
type PixelBuffer struct {
	Width    int
	Height   int
	Channels int
	Pix      []byte
}

// NewPixelBuffer allocates a zeroed buffer for the given geometry.
func NewPixelBuffer(width, height, channels int) (*PixelBuffer, error) {
	if width <= 0 || height <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: %dx%dx%d", ErrInvalidDimensions, width, height, channels)
	}
	return &PixelBuffer{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]byte, width*height*channels),
	}, nil
}

// NewPixelBufferFrom wraps an existing payload, validating the geometry
// against its length. The payload is not copied.
func NewPixelBufferFrom(width, height, channels int, pix []byte) (*PixelBuffer, error) {
	b := &PixelBuffer{Width: width, Height: height, Channels: channels, Pix: pix}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Validate checks the buffer invariant len(Pix) == Width*Height*Channels.
func (b *PixelBuffer) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: nil buffer", ErrMalformedBuffer)
	}
	if b.Width <= 0 || b.Height <= 0 || b.Channels <= 0 {
		return fmt.Errorf("%w: %dx%dx%d", ErrInvalidDimensions, b.Width, b.Height, b.Channels)
	}
	if want := b.Width * b.Height * b.Channels; len(b.Pix) != want {
		return fmt.Errorf("%w: have %d bytes, want %d for %dx%dx%d",
			ErrMalformedBuffer, len(b.Pix), want, b.Width, b.Height, b.Channels)
	}
	return nil
}

// Clone returns a deep copy.
func (b *PixelBuffer) Clone() *PixelBuffer {
	out := &PixelBuffer{
		Width:    b.Width,
		Height:   b.Height,
		Channels: b.Channels,
		Pix:      make([]byte, len(b.Pix)),
	}
	copy(out.Pix, b.Pix)
	return out
}

// Size returns the payload length in bytes.
func (b *PixelBuffer) Size() int {
	return len(b.Pix)
}

func (b *PixelBuffer) String() string {
	return fmt.Sprintf("%dx%dx%d (%d bytes)", b.Width, b.Height, b.Channels, len(b.Pix))
}
