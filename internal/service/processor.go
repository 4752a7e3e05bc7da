package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmylchreest/imgarr/internal/codec"
	"github.com/jmylchreest/imgarr/internal/dispatch"
	"github.com/jmylchreest/imgarr/internal/imaging"
	"github.com/jmylchreest/imgarr/internal/remote"
	"github.com/jmylchreest/imgarr/internal/storage"
	"github.com/jmylchreest/imgarr/internal/wire"
)

// ErrOutputExists marks a job whose output name is already taken within
// the run and overwriting is disabled.
var ErrOutputExists = errors.New("output already exists")

// frameRouter offloads one transform to a remote convert daemon. It is
// the slice of remote.Router the processor needs.
type frameRouter interface {
	// Available reports whether any daemon is connected and healthy.
	Available() bool
	// Transform runs the chain remotely. ErrNoDaemons means no
	// connected daemon could take the frame.
	Transform(ctx context.Context, src *imaging.PixelBuffer, opts imaging.TransformOptions) (*imaging.PixelBuffer, error)
}

// convertProcessor is the pool Processor for one run: read the input
// file, decode it into a pixel buffer, run the transform chain, encode
// in the run's output format and publish atomically. One instance is
// shared by every worker of the run's pool.
type convertProcessor struct {
	backend     imaging.Backend
	store       *storage.OutputStore
	runID       string
	format      codec.Format
	compression wire.Compression
	overwrite   bool
	logger      *slog.Logger
	router      frameRouter

	// claimMu serializes the output existence check with the publish,
	// so two jobs mapping to the same output name settle
	// deterministically: one wins, the other gets ErrOutputExists.
	claimMu sync.Mutex
}

func newConvertProcessor(backend imaging.Backend, store *storage.OutputStore, runID string, format codec.Format, compression wire.Compression, overwrite bool, logger *slog.Logger) *convertProcessor {
	return &convertProcessor{
		backend:     backend,
		store:       store,
		runID:       runID,
		format:      format,
		compression: compression,
		overwrite:   overwrite,
		logger:      logger,
	}
}

// withRouter enables remote transform offload for this run's jobs.
func (p *convertProcessor) withRouter(router frameRouter) *convertProcessor {
	p.router = router
	return p
}

// Process implements dispatch.Processor. A successful job always
// carries a non-nil Outcome.
func (p *convertProcessor) Process(ctx context.Context, job *dispatch.Job) (*dispatch.Outcome, error) {
	data, err := os.ReadFile(job.InputPath)
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}

	src, _, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding input: %w", err)
	}

	out, err := p.transform(ctx, src, job)
	if err != nil {
		return nil, err
	}

	encoded, err := p.encode(out)
	if err != nil {
		return nil, fmt.Errorf("encoding output: %w", err)
	}

	outPath, size, err := p.publish(job.OutputPath, encoded)
	if err != nil {
		return nil, err
	}

	return &dispatch.Outcome{
		OutputPath:  outPath,
		InputBytes:  int64(len(data)),
		OutputBytes: size,
		Width:       out.Width,
		Height:      out.Height,
		Channels:    out.Channels,
	}, nil
}

// transform runs the chain remotely when daemons are connected, falling
// back to the local backend when none can take the frame or the remote
// attempt fails. Context cancellation never falls back.
func (p *convertProcessor) transform(ctx context.Context, src *imaging.PixelBuffer, job *dispatch.Job) (*imaging.PixelBuffer, error) {
	if p.router != nil && p.router.Available() {
		out, err := p.router.Transform(ctx, src, job.Options)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if errors.Is(err, remote.ErrNoDaemons) {
			p.logger.Debug("no daemon took the frame, converting locally",
				slog.String("job_id", job.ID.String()))
		} else {
			p.logger.Warn("remote transform failed, converting locally",
				slog.String("job_id", job.ID.String()),
				slog.String("error", err.Error()))
		}
	}

	out, err := imaging.Apply(p.backend, src, job.Options)
	if err != nil {
		return nil, fmt.Errorf("transforming image: %w", err)
	}
	return out, nil
}

// encode serializes the transformed buffer. Compression wraps raster
// frame output only; StartRun already rejected other combinations.
func (p *convertProcessor) encode(buf *imaging.PixelBuffer) ([]byte, error) {
	var out bytes.Buffer
	if p.format == codec.FormatIRF && p.compression != wire.CompressionNone {
		if err := wire.EncodeCompressed(&out, buf, p.compression); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	}
	if err := codec.Encode(&out, buf, p.format); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// publish writes the output under the run directory, returning its
// store-relative path and size.
func (p *convertProcessor) publish(name string, data []byte) (string, int64, error) {
	p.claimMu.Lock()
	defer p.claimMu.Unlock()

	if !p.overwrite {
		exists, err := p.store.Exists(filepath.Join(p.store.RunDir(p.runID), name))
		if err != nil {
			return "", 0, fmt.Errorf("checking output: %w", err)
		}
		if exists {
			return "", 0, fmt.Errorf("%w: %s", ErrOutputExists, name)
		}
	}

	return p.store.Publish(p.runID, name, data)
}
