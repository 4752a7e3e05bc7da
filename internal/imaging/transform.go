package imaging

import "fmt"

// TransformOptions describes the per-job transform chain. MaxWidth and
// MaxHeight bound the output geometry; zero or negative means unbounded
// on that axis. Grayscale collapses the output to a single channel.
type TransformOptions struct {
	MaxWidth  int  `json:"max_width" yaml:"max_width"`
	MaxHeight int  `json:"max_height" yaml:"max_height"`
	Grayscale bool `json:"grayscale" yaml:"grayscale"`
}

// ComputeTargetDimensions returns the output geometry for a source
// image bounded by maxWidth/maxHeight while preserving aspect ratio.
//
// Width is clamped first: if srcWidth exceeds maxWidth the height is
// scaled proportionally (truncating toward zero). If the result still
// exceeds maxHeight, height is clamped and width rescaled the same
// way. Images already inside the bounds are returned unchanged; this
// never upscales. The aspect ratio is computed once from the source
// geometry so the two clamps cannot drift.
func ComputeTargetDimensions(srcWidth, srcHeight, maxWidth, maxHeight int) (int, int) {
	aspect := float32(srcWidth) / float32(srcHeight)

	width, height := srcWidth, srcHeight
	if maxWidth > 0 && width > maxWidth {
		width = maxWidth
		height = int(float32(maxWidth) / aspect)
	}
	if maxHeight > 0 && height > maxHeight {
		height = maxHeight
		width = int(float32(maxHeight) * aspect)
	}

	// A pathological aspect ratio can truncate a dimension to zero;
	// the smallest representable output is a single pixel.
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	return width, height
}

// Apply runs the transform chain on src: bound the geometry, resize if
// the bounds changed it, then optionally convert to grayscale. The
// source buffer is never mutated.
func Apply(backend Backend, src *PixelBuffer, opts TransformOptions) (*PixelBuffer, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}

	out := src
	width, height := ComputeTargetDimensions(src.Width, src.Height, opts.MaxWidth, opts.MaxHeight)
	if width != src.Width || height != src.Height {
		resized, err := backend.Resize(src, width, height)
		if err != nil {
			return nil, fmt.Errorf("resizing to %dx%d: %w", width, height, err)
		}
		out = resized
	}

	if opts.Grayscale && out.Channels != 1 {
		gray, err := backend.Grayscale(out)
		if err != nil {
			return nil, fmt.Errorf("converting to grayscale: %w", err)
		}
		out = gray
	}

	if out == src {
		out = src.Clone()
	}
	return out, nil
}
