package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"

	// Register decode-only format decoders.
	_ "image/gif"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	// WebP support from x/image
	_ "golang.org/x/image/webp"

	"github.com/jmylchreest/imgarr/internal/imaging"
	"github.com/jmylchreest/imgarr/internal/wire"
)

// jpegQuality is the fixed quality for batch JPEG output.
const jpegQuality = 90

// Decode detects data's format and decodes it into a pixel buffer.
// Raster frames decode directly; everything else goes through the
// registered stdlib/x-image decoders.
func Decode(data []byte) (*imaging.PixelBuffer, Format, error) {
	format, err := Sniff(data, int64(len(data)))
	if err != nil {
		// A frame header whose declared payload exceeds the input does
		// not sniff as a frame; decode it anyway so the precise
		// truncation error surfaces instead of "unknown format".
		if wire.SniffFrame(data, -1) {
			_, derr := wire.Decode(data)
			return nil, FormatIRF, derr
		}
		return nil, "", err
	}

	if format == FormatIRF {
		buf, err := wire.Decode(data)
		if err != nil {
			return nil, format, err
		}
		return buf, format, nil
	}

	img, name, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, format, fmt.Errorf("decoding %s image: %w", name, err)
	}
	return imageToBuffer(img), format, nil
}

// DecodeReader reads a whole input stream and decodes it.
func DecodeReader(r io.Reader) (*imaging.PixelBuffer, Format, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("reading image data: %w", err)
	}
	return Decode(data)
}

// Encode writes buf to w in the given output format.
func Encode(w io.Writer, buf *imaging.PixelBuffer, format Format) error {
	if err := buf.Validate(); err != nil {
		return err
	}

	switch format {
	case FormatIRF, "":
		return wire.EncodeTo(w, buf)
	case FormatPNG:
		if err := png.Encode(w, bufferToImage(buf)); err != nil {
			return fmt.Errorf("encoding to PNG: %w", err)
		}
		return nil
	case FormatJPEG:
		if err := jpeg.Encode(w, bufferToImage(buf), &jpeg.Options{Quality: jpegQuality}); err != nil {
			return fmt.Errorf("encoding to JPEG: %w", err)
		}
		return nil
	case FormatBMP:
		if err := bmp.Encode(w, bufferToImage(buf)); err != nil {
			return fmt.Errorf("encoding to BMP: %w", err)
		}
		return nil
	case FormatTIFF:
		if err := tiff.Encode(w, bufferToImage(buf), nil); err != nil {
			return fmt.Errorf("encoding to TIFF: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedEncode, format)
	}
}

// imageToBuffer flattens a decoded image into an interleaved pixel
// buffer: grayscale images keep one channel, opaque images three,
// images with alpha four.
func imageToBuffer(img image.Image) *imaging.PixelBuffer {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	if gray, ok := img.(*image.Gray); ok {
		out := &imaging.PixelBuffer{Width: w, Height: h, Channels: 1, Pix: make([]byte, w*h)}
		for y := 0; y < h; y++ {
			row := gray.Pix[y*gray.Stride : y*gray.Stride+w]
			copy(out.Pix[y*w:(y+1)*w], row)
		}
		return out
	}

	opaque := true
	if o, ok := img.(interface{ Opaque() bool }); ok {
		opaque = o.Opaque()
	}

	channels := 4
	if opaque {
		channels = 3
	}
	out := &imaging.PixelBuffer{Width: w, Height: h, Channels: channels, Pix: make([]byte, w*h*channels)}

	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.Pix[i] = c.R
			out.Pix[i+1] = c.G
			out.Pix[i+2] = c.B
			if channels == 4 {
				out.Pix[i+3] = c.A
			}
			i += channels
		}
	}
	return out
}

// bufferToImage wraps a pixel buffer for the stdlib encoders.
func bufferToImage(buf *imaging.PixelBuffer) image.Image {
	switch buf.Channels {
	case 1:
		return &image.Gray{Pix: buf.Pix, Stride: buf.Width, Rect: image.Rect(0, 0, buf.Width, buf.Height)}
	case 4:
		return &image.NRGBA{Pix: buf.Pix, Stride: buf.Width * 4, Rect: image.Rect(0, 0, buf.Width, buf.Height)}
	default:
		img := image.NewNRGBA(image.Rect(0, 0, buf.Width, buf.Height))
		n := buf.Width * buf.Height
		for i := 0; i < n; i++ {
			if buf.Channels >= 3 {
				copy(img.Pix[i*4:i*4+3], buf.Pix[i*buf.Channels:i*buf.Channels+3])
			} else {
				// Gray+alpha replicates its first channel.
				v := buf.Pix[i*buf.Channels]
				img.Pix[i*4] = v
				img.Pix[i*4+1] = v
				img.Pix[i*4+2] = v
			}
			img.Pix[i*4+3] = 0xff
		}
		return img
	}
}
