package imaging

import "fmt"

// Backend performs the pixel-level transforms. Implementations must
// treat the source buffer as read-only and return freshly allocated
// output buffers.
type Backend interface {
	// Name identifies the backend in logs and capability reports.
	Name() string
	// Resize scales src to width x height, preserving channel count.
	Resize(src *PixelBuffer, width, height int) (*PixelBuffer, error)
	// Grayscale collapses src to a single luminance channel.
	Grayscale(src *PixelBuffer) (*PixelBuffer, error)
}

// BackendKind selects a transform backend in configuration and
// capability exchanges.
type BackendKind string

const (
	// BackendAuto picks the accelerated backend when available.
	BackendAuto BackendKind = "auto"
	// BackendNative is the hand-rolled bilinear implementation. Its
	// output is bit-exact with the wire fixtures.
	BackendNative BackendKind = "native"
	// BackendAccel resizes through golang.org/x/image/draw.
	BackendAccel BackendKind = "accel"
)

// Select resolves a configured backend kind to an implementation.
func Select(kind BackendKind) (Backend, error) {
	switch kind {
	case BackendNative:
		return nativeBackend{}, nil
	case BackendAccel, BackendAuto:
		return accelBackend{}, nil
	case "":
		return nativeBackend{}, nil
	default:
		return nil, fmt.Errorf("unknown transform backend %q", kind)
	}
}

// Kinds lists the selectable backend kinds for validation and help text.
func Kinds() []BackendKind {
	return []BackendKind{BackendAuto, BackendNative, BackendAccel}
}
