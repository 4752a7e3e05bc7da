package wire

import (
	"bytes"
	"testing"

	"github.com/dsnet/compress/bzip2"

	"github.com/jmylchreest/imgarr/internal/imaging"
)

func testFrame(t *testing.T) *imaging.PixelBuffer {
	t.Helper()
	buf, err := imaging.NewPixelBuffer(8, 8, 3)
	if err != nil {
		t.Fatalf("failed to build frame: %v", err)
	}
	for i := range buf.Pix {
		buf.Pix[i] = byte(i % 17)
	}
	return buf
}

func TestDecodeCompressed_Gzip(t *testing.T) {
	src := testFrame(t)

	var buf bytes.Buffer
	if err := EncodeCompressed(&buf, src, CompressionGzip); err != nil {
		t.Fatalf("failed to encode gzip frame: %v", err)
	}

	out, err := DecodeCompressed(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("failed to decode gzip frame: %v", err)
	}
	if !bytes.Equal(out.Pix, src.Pix) {
		t.Error("gzip round trip lost pixel data")
	}
}

func TestDecodeCompressed_XZ(t *testing.T) {
	src := testFrame(t)

	var buf bytes.Buffer
	if err := EncodeCompressed(&buf, src, CompressionXZ); err != nil {
		t.Fatalf("failed to encode xz frame: %v", err)
	}

	out, err := DecodeCompressed(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("failed to decode xz frame: %v", err)
	}
	if out.Width != src.Width || out.Height != src.Height || out.Channels != src.Channels {
		t.Errorf("xz round trip changed geometry: got %s, want %s", out, src)
	}
	if !bytes.Equal(out.Pix, src.Pix) {
		t.Error("xz round trip lost pixel data")
	}
}

func TestDecodeCompressed_Bzip2(t *testing.T) {
	src := testFrame(t)
	raw, err := Encode(src)
	if err != nil {
		t.Fatalf("failed to encode frame: %v", err)
	}

	// Compress with bzip2 (read-only in the stdlib, so the fixture is
	// built with dsnet's writer).
	var buf bytes.Buffer
	bw, err := bzip2.NewWriter(&buf, nil)
	if err != nil {
		t.Fatalf("failed to create bzip2 writer: %v", err)
	}
	if _, err := bw.Write(raw); err != nil {
		t.Fatalf("failed to write bzip2: %v", err)
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("failed to close bzip2: %v", err)
	}

	out, err := DecodeCompressed(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("failed to decode bzip2 frame: %v", err)
	}
	if !bytes.Equal(out.Pix, src.Pix) {
		t.Error("bzip2 round trip lost pixel data")
	}
}

func TestDecodeCompressed_RawPassthrough(t *testing.T) {
	src := testFrame(t)
	raw, err := Encode(src)
	if err != nil {
		t.Fatalf("failed to encode frame: %v", err)
	}

	out, err := DecodeCompressed(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("failed to decode raw frame: %v", err)
	}
	if !bytes.Equal(out.Pix, src.Pix) {
		t.Error("raw passthrough lost pixel data")
	}
}

func TestDecodeCompressed_ShortInput(t *testing.T) {
	_, err := DecodeCompressed(bytes.NewReader([]byte{0x01, 0x02}))
	if err == nil {
		t.Fatal("expected error for short input")
	}
}

func TestEncodeCompressed_UnknownCompression(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeCompressed(&buf, testFrame(t), Compression("zstd")); err == nil {
		t.Fatal("expected error for unknown compression")
	}
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in      string
		want    Compression
		wantErr bool
	}{
		{in: "none", want: CompressionNone},
		{in: "", want: CompressionNone},
		{in: "gzip", want: CompressionGzip},
		{in: "xz", want: CompressionXZ},
		{in: "brotli", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseCompression(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseCompression(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCompression(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCompression(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
