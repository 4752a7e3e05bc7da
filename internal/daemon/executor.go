package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/imgarr/internal/imaging"
	"github.com/jmylchreest/imgarr/internal/wire"
	"github.com/jmylchreest/imgarr/pkg/convertd"
)

// ErrBusy indicates the executor has no free job slots.
var ErrBusy = errors.New("daemon at capacity")

// Executor runs conversion jobs against the local transform backend.
// Both connection modes share it: the registered mode feeds it jobs
// from the coordinator stream, the standalone server from direct
// client streams.
type Executor struct {
	logger      *slog.Logger
	backend     imaging.Backend
	backendName string
	maxJobs     int
	maxPixels   int64

	mu             sync.Mutex
	active         map[string]context.CancelFunc
	totalCompleted uint64
	totalFailed    uint64
}

// NewExecutor creates an executor over the given backend. maxJobs
// bounds concurrent jobs; maxPixels, when positive, bounds the frame
// geometry the executor accepts.
func NewExecutor(logger *slog.Logger, backend imaging.Backend, maxJobs int, maxPixels int64) *Executor {
	if maxJobs <= 0 {
		maxJobs = 4
	}
	return &Executor{
		logger:      logger,
		backend:     backend,
		backendName: backend.Name(),
		maxJobs:     maxJobs,
		maxPixels:   maxPixels,
		active:      make(map[string]context.CancelFunc),
	}
}

// BackendName returns the name of the transform backend in use.
func (e *Executor) BackendName() string {
	return e.backendName
}

// ActiveJobs returns the number of jobs currently executing.
func (e *Executor) ActiveJobs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// CanAccept reports whether a new job would get a slot right now.
func (e *Executor) CanAccept() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active) < e.maxJobs
}

// Counters returns the lifetime completed and failed job counts.
func (e *Executor) Counters() (completed, failed uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalCompleted, e.totalFailed
}

// Cancel aborts a running job. Cancellation takes effect between
// pipeline stages; a transform already in flight runs to completion
// and its result is discarded.
func (e *Executor) Cancel(jobID string) {
	e.mu.Lock()
	cancel, ok := e.active[jobID]
	e.mu.Unlock()

	if ok {
		e.logger.Info("cancelling job",
			slog.String("job_id", jobID),
		)
		cancel()
	}
}

// Execute runs one job to completion: decode the frame, apply the
// transform, re-encode. progress, when non-nil, is called as each
// stage completes.
func (e *Executor) Execute(ctx context.Context, job *convertd.JobRequest, progress func(stage string)) (*convertd.JobResult, error) {
	start := time.Now()

	jobCtx, cancel, err := e.begin(ctx, job.JobID)
	if err != nil {
		return nil, err
	}
	defer e.finish(job.JobID, cancel)

	fail := func(err error) (*convertd.JobResult, error) {
		e.mu.Lock()
		e.totalFailed++
		e.mu.Unlock()
		return nil, err
	}

	src, err := wire.Decode(job.Frame)
	if err != nil {
		return fail(fmt.Errorf("decoding job frame: %w", err))
	}
	if e.maxPixels > 0 && int64(src.Width)*int64(src.Height) > e.maxPixels {
		return fail(fmt.Errorf("frame %dx%d exceeds pixel budget %d", src.Width, src.Height, e.maxPixels))
	}
	report(progress, "decode")

	if err := jobCtx.Err(); err != nil {
		return fail(err)
	}

	out, err := imaging.Apply(e.backend, src, imaging.TransformOptions{
		MaxWidth:  job.MaxWidth,
		MaxHeight: job.MaxHeight,
		Grayscale: job.Grayscale,
	})
	if err != nil {
		return fail(fmt.Errorf("transforming frame: %w", err))
	}
	report(progress, "transform")

	if err := jobCtx.Err(); err != nil {
		return fail(err)
	}

	frame, err := wire.Encode(out)
	if err != nil {
		return fail(fmt.Errorf("encoding result frame: %w", err))
	}
	report(progress, "encode")

	e.mu.Lock()
	e.totalCompleted++
	e.mu.Unlock()

	e.logger.Debug("job completed",
		slog.String("job_id", job.JobID),
		slog.String("geometry", fmt.Sprintf("%dx%d -> %dx%d", src.Width, src.Height, out.Width, out.Height)),
		slog.Duration("elapsed", time.Since(start)),
	)

	return &convertd.JobResult{
		JobID:   job.JobID,
		Elapsed: time.Since(start),
		Frame:   frame,
	}, nil
}

// begin reserves a job slot and registers the job for cancellation.
func (e *Executor) begin(ctx context.Context, jobID string) (context.Context, context.CancelFunc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.active) >= e.maxJobs {
		return nil, nil, fmt.Errorf("%w: %d jobs active", ErrBusy, len(e.active))
	}
	if _, ok := e.active[jobID]; ok {
		return nil, nil, fmt.Errorf("job %s already running", jobID)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	e.active[jobID] = cancel
	return jobCtx, cancel, nil
}

// finish releases a job's slot.
func (e *Executor) finish(jobID string, cancel context.CancelFunc) {
	cancel()
	e.mu.Lock()
	delete(e.active, jobID)
	e.mu.Unlock()
}

func report(progress func(stage string), stage string) {
	if progress != nil {
		progress(stage)
	}
}
