// Package testutil provides test utilities including sample image generation.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// SampleImage returns a deterministic gradient image of the given
// geometry. The same dimensions always produce the same pixels, so
// tests can assert on transform output without fixture files.
func SampleImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x * 255 / max(width-1, 1)),
				G: uint8(y * 255 / max(height-1, 1)),
				B: uint8((x + y) % 256),
				A: 255,
			})
		}
	}
	return img
}

// SamplePNG returns a deterministic gradient image encoded as PNG.
func SamplePNG(tb testing.TB, width, height int) []byte {
	tb.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, SampleImage(width, height)); err != nil {
		tb.Fatalf("encoding sample png: %v", err)
	}
	return buf.Bytes()
}

// SampleJPEG returns a deterministic gradient image encoded as JPEG.
func SampleJPEG(tb testing.TB, width, height int) []byte {
	tb.Helper()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, SampleImage(width, height), &jpeg.Options{Quality: 90}); err != nil {
		tb.Fatalf("encoding sample jpeg: %v", err)
	}
	return buf.Bytes()
}

// WriteSamplePNG writes a sample PNG to path, creating parent
// directories as needed.
func WriteSamplePNG(tb testing.TB, path string, width, height int) {
	tb.Helper()
	writeFile(tb, path, SamplePNG(tb, width, height))
}

// WriteSampleJPEG writes a sample JPEG to path, creating parent
// directories as needed.
func WriteSampleJPEG(tb testing.TB, path string, width, height int) {
	tb.Helper()
	writeFile(tb, path, SampleJPEG(tb, width, height))
}

// WriteSampleTree populates root with a small mixed input tree:
// images at several depths plus non-image decoys that a scan must
// skip. It returns the paths of the convertible images.
func WriteSampleTree(tb testing.TB, root string) []string {
	tb.Helper()

	images := []string{
		filepath.Join(root, "top.png"),
		filepath.Join(root, "photos", "a.png"),
		filepath.Join(root, "photos", "b.jpg"),
		filepath.Join(root, "photos", "nested", "c.png"),
	}
	for i, path := range images {
		if filepath.Ext(path) == ".jpg" {
			WriteSampleJPEG(tb, path, 8+i, 6+i)
		} else {
			WriteSamplePNG(tb, path, 8+i, 6+i)
		}
	}

	writeFile(tb, filepath.Join(root, "notes.txt"), []byte("not an image"))
	writeFile(tb, filepath.Join(root, "photos", "sidecar.json"), []byte("{}"))

	return images
}

func writeFile(tb testing.TB, path string, data []byte) {
	tb.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		tb.Fatalf("creating %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		tb.Fatalf("writing %s: %v", path, err)
	}
}
