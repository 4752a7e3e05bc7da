// Package daemon implements the imgarr-convertd daemon: capability
// detection, the coordinator registration client with its heartbeat
// and job stream, the standalone listening server, and the executor
// both modes run jobs through.
package daemon

import (
	"runtime"

	"github.com/jmylchreest/imgarr/internal/codec"
	"github.com/jmylchreest/imgarr/internal/imaging"
	"github.com/jmylchreest/imgarr/pkg/convertd"
)

// DetectCapabilities resolves the transform backend and builds the
// capability report sent at registration. maxJobs of zero defaults to
// the CPU count; maxPixels of zero advertises no geometry bound.
func DetectCapabilities(kind imaging.BackendKind, maxJobs int, maxPixels int64) (*convertd.Capabilities, imaging.Backend, error) {
	backend, err := imaging.Select(kind)
	if err != nil {
		return nil, nil, err
	}

	if maxJobs <= 0 {
		maxJobs = runtime.NumCPU()
	}

	caps := &convertd.Capabilities{
		Backend:           backend.Name(),
		MaxPixels:         maxPixels,
		Formats:           formatNames(),
		MaxConcurrentJobs: maxJobs,
	}

	return caps, backend, nil
}

// formatNames lists the registered container formats as plain strings
// for the capability report.
func formatNames() []string {
	formats := codec.Formats()
	names := make([]string, len(formats))
	for i, f := range formats {
		names[i] = f.String()
	}
	return names
}
