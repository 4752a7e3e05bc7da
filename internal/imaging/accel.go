package imaging

import (
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"
)

// accelBackend resizes through the x/image bilinear scaler. Grayscale
// conversion reuses the shared luminance code so both backends agree
// on channel math; only the resampling differs (x/image applies proper
// source-rectangle mapping, so outputs are visually equivalent but not
// bit-identical to the native backend).
type accelBackend struct{}

func (accelBackend) Name() string { return string(BackendAccel) }

func (accelBackend) Resize(src *PixelBuffer, width, height int) (*PixelBuffer, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: resize target %dx%d", ErrInvalidDimensions, width, height)
	}
	if width == src.Width && height == src.Height {
		return src.Clone(), nil
	}

	switch {
	case src.Channels == 1:
		in := &image.Gray{Pix: src.Pix, Stride: src.Width, Rect: image.Rect(0, 0, src.Width, src.Height)}
		out := image.NewGray(image.Rect(0, 0, width, height))
		xdraw.BiLinear.Scale(out, out.Bounds(), in, in.Bounds(), xdraw.Src, nil)
		return &PixelBuffer{Width: width, Height: height, Channels: 1, Pix: out.Pix}, nil

	case src.Channels == 3 || src.Channels == 4:
		in := toNRGBA(src)
		out := image.NewNRGBA(image.Rect(0, 0, width, height))
		xdraw.BiLinear.Scale(out, out.Bounds(), in, in.Bounds(), xdraw.Src, nil)
		return fromNRGBA(out, src.Channels), nil

	default:
		// Channel layouts without a stdlib image type (gray+alpha,
		// >4 channels) go through the native scaler.
		return nativeBackend{}.Resize(src, width, height)
	}
}

func (accelBackend) Grayscale(src *PixelBuffer) (*PixelBuffer, error) {
	return grayscaleBuffer(src)
}

func toNRGBA(src *PixelBuffer) *image.NRGBA {
	if src.Channels == 4 {
		return &image.NRGBA{Pix: src.Pix, Stride: src.Width * 4, Rect: image.Rect(0, 0, src.Width, src.Height)}
	}
	img := image.NewNRGBA(image.Rect(0, 0, src.Width, src.Height))
	n := src.Width * src.Height
	for i := 0; i < n; i++ {
		img.Pix[i*4] = src.Pix[i*src.Channels]
		img.Pix[i*4+1] = src.Pix[i*src.Channels+1]
		img.Pix[i*4+2] = src.Pix[i*src.Channels+2]
		img.Pix[i*4+3] = 0xff
	}
	return img
}

func fromNRGBA(img *image.NRGBA, channels int) *PixelBuffer {
	w := img.Rect.Dx()
	h := img.Rect.Dy()
	if channels == 4 {
		return &PixelBuffer{Width: w, Height: h, Channels: 4, Pix: img.Pix}
	}
	out := &PixelBuffer{Width: w, Height: h, Channels: channels, Pix: make([]byte, w*h*channels)}
	n := w * h
	for i := 0; i < n; i++ {
		copy(out.Pix[i*channels:i*channels+3], img.Pix[i*4:i*4+3])
	}
	return out
}
