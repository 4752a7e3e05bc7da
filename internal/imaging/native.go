package imaging

import "fmt"

// nativeBackend is the reference implementation: plain-Go bilinear
// interpolation and luminance grayscale with truncating arithmetic.
type nativeBackend struct{}

func (nativeBackend) Name() string { return string(BackendNative) }

func (nativeBackend) Resize(src *PixelBuffer, width, height int) (*PixelBuffer, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: resize target %dx%d", ErrInvalidDimensions, width, height)
	}
	if width == src.Width && height == src.Height {
		return src.Clone(), nil
	}

	dst := &PixelBuffer{
		Width:    width,
		Height:   height,
		Channels: src.Channels,
		Pix:      make([]byte, width*height*src.Channels),
	}

	xRatio := float32(src.Width) / float32(width)
	yRatio := float32(src.Height) / float32(height)

	for y := 0; y < height; y++ {
		srcY := float32(y) * yRatio
		for x := 0; x < width; x++ {
			srcX := float32(x) * xRatio
			for c := 0; c < src.Channels; c++ {
				dst.Pix[(y*width+x)*src.Channels+c] = bilinearSample(src, srcX, srcY, c)
			}
		}
	}
	return dst, nil
}

// bilinearSample interpolates the four neighbors of (x, y) for one
// channel. Neighbor coordinates are clamped to the image edge; a zero
// sample is produced only for a coordinate that is truly outside the
// image, never for an edge pixel.
func bilinearSample(src *PixelBuffer, x, y float32, channel int) uint8 {
	// Sample coordinates are non-negative, so truncation is floor.
	x1 := int(x)
	y1 := int(y)
	x2 := min(x1+1, src.Width-1)
	y2 := min(y1+1, src.Height-1)

	dx := x - float32(x1)
	dy := y - float32(y1)

	p11 := float32(samplePixel(src, x1, y1, channel))
	p21 := float32(samplePixel(src, x2, y1, channel))
	p12 := float32(samplePixel(src, x1, y2, channel))
	p22 := float32(samplePixel(src, x2, y2, channel))

	top := p11*(1-dx) + p21*dx
	bottom := p12*(1-dx) + p22*dx
	return uint8(top*(1-dy) + bottom*dy)
}

func samplePixel(src *PixelBuffer, x, y, channel int) uint8 {
	if x < 0 || x >= src.Width || y < 0 || y >= src.Height {
		return 0
	}
	return src.Pix[(y*src.Width+x)*src.Channels+channel]
}

func (nativeBackend) Grayscale(src *PixelBuffer) (*PixelBuffer, error) {
	return grayscaleBuffer(src)
}

// grayscaleBuffer is shared by both backends so grayscale output is
// identical regardless of the resize implementation.
func grayscaleBuffer(src *PixelBuffer) (*PixelBuffer, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}

	out := &PixelBuffer{
		Width:    src.Width,
		Height:   src.Height,
		Channels: 1,
		Pix:      make([]byte, src.Width*src.Height),
	}

	n := src.Width * src.Height
	if src.Channels >= 3 {
		// Standard luminance weights, truncated toward zero. Channels
		// beyond the first three (alpha) are dropped.
		for i := 0; i < n; i++ {
			r := float32(src.Pix[i*src.Channels])
			g := float32(src.Pix[i*src.Channels+1])
			b := float32(src.Pix[i*src.Channels+2])
			out.Pix[i] = uint8(0.299*r + 0.587*g + 0.114*b)
		}
		return out, nil
	}

	// Single-channel (or gray+alpha) input: copy the first channel
	// through the source stride.
	for i := 0; i < n; i++ {
		out.Pix[i] = src.Pix[i*src.Channels]
	}
	return out, nil
}
