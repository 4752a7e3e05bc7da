package codec

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/jmylchreest/imgarr/internal/imaging"
	"github.com/jmylchreest/imgarr/internal/wire"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input    string
		expected Format
		ok       bool
	}{
		// Canonical names
		{"png", FormatPNG, true},
		{"jpeg", FormatJPEG, true},
		{"irf", FormatIRF, true},
		{"webp", FormatWebP, true},
		// Aliases
		{"jpg", FormatJPEG, true},
		{"jfif", FormatJPEG, true},
		{"tif", FormatTIFF, true},
		{"dib", FormatBMP, true},
		{"frame", FormatIRF, true},
		// Extensions
		{".png", FormatPNG, true},
		{".jpeg", FormatJPEG, true},
		{".irf", FormatIRF, true},
		// Case insensitive, whitespace tolerant
		{"PNG", FormatPNG, true},
		{" Jpg ", FormatJPEG, true},
		// Invalid
		{"", "", false},
		{"h264", "", false},
		{"svg", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseFormat(tt.input)
		if ok != tt.ok {
			t.Errorf("ParseFormat(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			continue
		}
		if got != tt.expected {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    Format
		wantErr error
	}{
		{input: "", want: FormatIRF},
		{input: "irf", want: FormatIRF},
		{input: "png", want: FormatPNG},
		{input: "jpg", want: FormatJPEG},
		{input: "webp", wantErr: ErrUnsupportedEncode},
		{input: "gif", wantErr: ErrUnsupportedEncode},
		{input: "mp4", wantErr: ErrUnknownFormat},
	}

	for _, tt := range tests {
		got, err := ParseOutputFormat(tt.input)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseOutputFormat(%q) error = %v, want %v", tt.input, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseOutputFormat(%q): %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseOutputFormat(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFormat_Capabilities(t *testing.T) {
	tests := []struct {
		format    Format
		decodable bool
		encodable bool
		ext       string
	}{
		{format: FormatIRF, decodable: true, encodable: true, ext: ".irf"},
		{format: FormatPNG, decodable: true, encodable: true, ext: ".png"},
		{format: FormatJPEG, decodable: true, encodable: true, ext: ".jpg"},
		{format: FormatGIF, decodable: true, encodable: false, ext: ".gif"},
		{format: FormatWebP, decodable: true, encodable: false, ext: ".webp"},
		{format: FormatBMP, decodable: true, encodable: true, ext: ".bmp"},
		{format: FormatTIFF, decodable: true, encodable: true, ext: ".tif"},
	}

	for _, tt := range tests {
		if got := tt.format.CanDecode(); got != tt.decodable {
			t.Errorf("%s CanDecode = %v, want %v", tt.format, got, tt.decodable)
		}
		if got := tt.format.CanEncode(); got != tt.encodable {
			t.Errorf("%s CanEncode = %v, want %v", tt.format, got, tt.encodable)
		}
		if got := tt.format.Ext(); got != tt.ext {
			t.Errorf("%s Ext = %q, want %q", tt.format, got, tt.ext)
		}
	}
}

func TestSniff(t *testing.T) {
	frame, err := wire.Encode(&imaging.PixelBuffer{Width: 2, Height: 2, Channels: 1, Pix: make([]byte, 4)})
	if err != nil {
		t.Fatalf("failed to encode frame: %v", err)
	}

	tests := []struct {
		name    string
		data    []byte
		want    Format
		wantErr bool
	}{
		{name: "png", data: []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}, want: FormatPNG},
		{name: "jpeg", data: []byte{0xff, 0xd8, 0xff, 0xe0, 0, 0, 0, 0, 0, 0, 0, 0}, want: FormatJPEG},
		{name: "gif87", data: append([]byte("GIF87a"), make([]byte, 8)...), want: FormatGIF},
		{name: "gif89", data: append([]byte("GIF89a"), make([]byte, 8)...), want: FormatGIF},
		{name: "webp", data: append([]byte("RIFF\x10\x00\x00\x00WEBP"), make([]byte, 4)...), want: FormatWebP},
		{name: "bmp", data: append([]byte("BM"), make([]byte, 12)...), want: FormatBMP},
		{name: "tiff little endian", data: append([]byte{'I', 'I', 0x2a, 0x00}, make([]byte, 8)...), want: FormatTIFF},
		{name: "tiff big endian", data: append([]byte{'M', 'M', 0x00, 0x2a}, make([]byte, 8)...), want: FormatTIFF},
		{name: "raster frame", data: frame, want: FormatIRF},
		{name: "garbage", data: []byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, wantErr: true},
		{name: "empty", data: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Sniff(tt.data, int64(len(tt.data)))
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownFormat) {
					t.Errorf("Sniff error = %v, want ErrUnknownFormat", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Sniff: %v", err)
			}
			if got != tt.want {
				t.Errorf("Sniff = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSniff_FrameRejectsOversizedClaim(t *testing.T) {
	// A header declaring more payload than the input holds must not
	// be detected as a raster frame.
	frame, err := wire.Encode(&imaging.PixelBuffer{Width: 4, Height: 4, Channels: 3, Pix: make([]byte, 48)})
	if err != nil {
		t.Fatalf("failed to encode frame: %v", err)
	}
	if _, err := Sniff(frame[:wire.HeaderSize], int64(wire.HeaderSize)); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("Sniff of truncated frame = %v, want ErrUnknownFormat", err)
	}
	// With an unknown total size the header shape alone decides.
	if got, err := Sniff(frame[:wire.HeaderSize], -1); err != nil || got != FormatIRF {
		t.Errorf("Sniff with unknown total = (%q, %v), want irf", got, err)
	}
}

func TestDecode_PNGRoundTrip(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{G: 255, A: 255})
	img.SetNRGBA(0, 1, color.NRGBA{B: 255, A: 255})
	img.SetNRGBA(1, 1, color.NRGBA{R: 255, G: 255, B: 255, A: 255})

	var data bytes.Buffer
	if err := png.Encode(&data, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}

	buf, format, err := Decode(data.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if format != FormatPNG {
		t.Errorf("format = %q, want png", format)
	}
	if buf.Width != 2 || buf.Height != 2 {
		t.Errorf("geometry = %dx%d, want 2x2", buf.Width, buf.Height)
	}
	if buf.Channels != 3 {
		t.Errorf("channels = %d, want 3 for opaque image", buf.Channels)
	}
	want := []byte{255, 0, 0, 0, 255, 0, 0, 0, 255, 255, 255, 255}
	if !bytes.Equal(buf.Pix, want) {
		t.Errorf("pixels = %v, want %v", buf.Pix, want)
	}
}

func TestDecode_AlphaKeepsFourChannels(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 128})

	var data bytes.Buffer
	if err := png.Encode(&data, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}

	buf, _, err := Decode(data.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if buf.Channels != 4 {
		t.Fatalf("channels = %d, want 4", buf.Channels)
	}
	if !bytes.Equal(buf.Pix, []byte{10, 20, 30, 128}) {
		t.Errorf("pixels = %v, want [10 20 30 128]", buf.Pix)
	}
}

func TestDecode_GrayscalePNG(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 1))
	img.SetGray(0, 0, color.Gray{Y: 40})
	img.SetGray(1, 0, color.Gray{Y: 200})

	var data bytes.Buffer
	if err := png.Encode(&data, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}

	buf, _, err := Decode(data.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if buf.Channels != 1 {
		t.Fatalf("channels = %d, want 1", buf.Channels)
	}
	if !bytes.Equal(buf.Pix, []byte{40, 200}) {
		t.Errorf("pixels = %v, want [40 200]", buf.Pix)
	}
}

func TestDecode_RasterFrame(t *testing.T) {
	src := &imaging.PixelBuffer{Width: 2, Height: 1, Channels: 3, Pix: []byte{1, 2, 3, 4, 5, 6}}
	frame, err := wire.Encode(src)
	if err != nil {
		t.Fatalf("failed to encode frame: %v", err)
	}

	buf, format, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if format != FormatIRF {
		t.Errorf("format = %q, want irf", format)
	}
	if !bytes.Equal(buf.Pix, src.Pix) {
		t.Errorf("pixels = %v, want %v", buf.Pix, src.Pix)
	}
}

func TestDecode_TruncatedFrameSurfacesWireError(t *testing.T) {
	src := &imaging.PixelBuffer{Width: 4, Height: 4, Channels: 3, Pix: make([]byte, 48)}
	frame, err := wire.Encode(src)
	if err != nil {
		t.Fatalf("failed to encode frame: %v", err)
	}

	// Keep the header and half the payload: the header still looks
	// like a frame, so the precise truncation error must surface
	// rather than a generic unknown-format error.
	_, _, err = Decode(frame[:wire.HeaderSize+10])
	if !errors.Is(err, wire.ErrTruncatedPayload) {
		t.Errorf("Decode error = %v, want ErrTruncatedPayload", err)
	}
}

func TestEncode_PNGRoundTrip(t *testing.T) {
	src := &imaging.PixelBuffer{Width: 2, Height: 1, Channels: 3, Pix: []byte{255, 0, 0, 0, 0, 255}}

	var out bytes.Buffer
	if err := Encode(&out, src, FormatPNG); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	buf, format, err := Decode(out.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if format != FormatPNG {
		t.Errorf("format = %q, want png", format)
	}
	if !bytes.Equal(buf.Pix, src.Pix) {
		t.Errorf("pixels = %v, want %v", buf.Pix, src.Pix)
	}
}

func TestEncode_JPEGDecodable(t *testing.T) {
	src := &imaging.PixelBuffer{Width: 8, Height: 8, Channels: 3, Pix: make([]byte, 8*8*3)}
	for i := range src.Pix {
		src.Pix[i] = 128
	}

	var out bytes.Buffer
	if err := Encode(&out, src, FormatJPEG); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	buf, format, err := Decode(out.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if format != FormatJPEG {
		t.Errorf("format = %q, want jpeg", format)
	}
	if buf.Width != 8 || buf.Height != 8 {
		t.Errorf("geometry = %dx%d, want 8x8", buf.Width, buf.Height)
	}
}

func TestEncode_GrayscaleFrame(t *testing.T) {
	src := &imaging.PixelBuffer{Width: 2, Height: 1, Channels: 1, Pix: []byte{7, 9}}

	var out bytes.Buffer
	if err := Encode(&out, src, FormatIRF); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if out.Len() != wire.HeaderSize+2 {
		t.Errorf("frame length = %d, want %d", out.Len(), wire.HeaderSize+2)
	}
}

func TestEncode_UnsupportedFormat(t *testing.T) {
	src := &imaging.PixelBuffer{Width: 1, Height: 1, Channels: 1, Pix: []byte{0}}
	var out bytes.Buffer
	if err := Encode(&out, src, FormatWebP); !errors.Is(err, ErrUnsupportedEncode) {
		t.Errorf("Encode webp error = %v, want ErrUnsupportedEncode", err)
	}
}

func TestFormats_EncodableFirst(t *testing.T) {
	formats := Formats()
	if len(formats) != len(formatRegistry) {
		t.Fatalf("Formats() returned %d entries, want %d", len(formats), len(formatRegistry))
	}
	seenReadOnly := false
	for _, f := range formats {
		if !f.CanEncode() {
			seenReadOnly = true
		} else if seenReadOnly {
			t.Errorf("encodable format %s listed after read-only formats", f)
		}
	}
}
