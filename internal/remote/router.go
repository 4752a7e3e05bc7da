package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/imgarr/internal/imaging"
	"github.com/jmylchreest/imgarr/internal/observability"
	"github.com/jmylchreest/imgarr/internal/wire"
	"github.com/jmylchreest/imgarr/pkg/convertd"
	"github.com/oklog/ulid/v2"
)

// ErrNoDaemons indicates no connected daemon can take the job. Callers
// treat this as a signal to convert locally instead.
var ErrNoDaemons = errors.New("no convert daemons available")

// Router dispatches transform jobs to connected daemons. It selects
// the least loaded daemon whose capabilities fit the frame, ships the
// frame over the daemon's convert stream, and waits for the result.
type Router struct {
	logger   *slog.Logger
	registry *DaemonRegistry
	streams  *StreamManager
}

// NewRouter creates a router over the given registry and stream
// manager.
func NewRouter(logger *slog.Logger, registry *DaemonRegistry, streams *StreamManager) *Router {
	return &Router{
		logger:   logger,
		registry: registry,
		streams:  streams,
	}
}

// Available reports whether at least one daemon is connected and
// healthy.
func (r *Router) Available() bool {
	return r.registry.CountActive() > 0
}

// Transform runs one transform on a remote daemon: encode the source
// frame, pick a daemon, send the job, and decode the returned frame.
// Returns ErrNoDaemons when no connected daemon can take the frame.
func (r *Router) Transform(ctx context.Context, src *imaging.PixelBuffer, opts imaging.TransformOptions) (*imaging.PixelBuffer, error) {
	daemon := r.registry.SelectLeastLoaded(src.Width, src.Height)
	if daemon == nil {
		return nil, ErrNoDaemons
	}

	ds, ok := r.streams.GetStream(daemon.ID)
	if !ok {
		// Registered but the convert stream is not up yet (or just
		// dropped). The caller falls back to local conversion.
		return nil, fmt.Errorf("%w: daemon %s has no convert stream", ErrNoDaemons, daemon.ID)
	}

	frame, err := wire.Encode(src)
	if err != nil {
		return nil, fmt.Errorf("encoding frame for daemon: %w", err)
	}

	jobID := ulid.Make().String()
	replies := ds.track(jobID)
	defer ds.forget(jobID)

	r.registry.MarkJobStarted(daemon.ID)
	succeeded := false
	defer func() {
		r.registry.MarkJobFinished(daemon.ID, succeeded)
	}()

	err = ds.Send(&convertd.ConvertMessage{
		Job: &convertd.JobRequest{
			JobID:     jobID,
			MaxWidth:  opts.MaxWidth,
			MaxHeight: opts.MaxHeight,
			Grayscale: opts.Grayscale,
			Frame:     frame,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sending job to daemon %s: %w", daemon.ID, err)
	}

	r.logger.Debug("job dispatched to daemon",
		slog.String("job_id", jobID),
		slog.String("daemon_id", string(daemon.ID)),
		slog.Int("frame_bytes", len(frame)),
	)

	for {
		select {
		case <-ctx.Done():
			// Best effort: tell the daemon to stop working on it.
			_ = ds.Send(&convertd.ConvertMessage{
				Cancel: &convertd.JobCancel{
					JobID:  jobID,
					Reason: ctx.Err().Error(),
				},
			})
			return nil, ctx.Err()

		case msg, ok := <-replies:
			if !ok {
				return nil, fmt.Errorf("daemon %s disconnected mid-job", daemon.ID)
			}

			switch {
			case msg.Ack != nil:
				if !msg.Ack.Accepted {
					return nil, fmt.Errorf("daemon %s rejected job: %s", daemon.ID, msg.Ack.Error)
				}
				r.logger.Log(ctx, observability.LevelTrace, "job accepted by daemon",
					slog.String("job_id", jobID),
					slog.String("backend", msg.Ack.Backend),
				)

			case msg.Progress != nil:
				r.logger.Log(ctx, observability.LevelTrace, "job progress",
					slog.String("job_id", jobID),
					slog.String("stage", msg.Progress.Stage),
				)

			case msg.Result != nil:
				out, err := wire.Decode(msg.Result.Frame)
				if err != nil {
					return nil, fmt.Errorf("decoding frame from daemon %s: %w", daemon.ID, err)
				}
				succeeded = true
				r.logger.Debug("job completed by daemon",
					slog.String("job_id", jobID),
					slog.String("daemon_id", string(daemon.ID)),
					slog.Duration("daemon_elapsed", msg.Result.Elapsed),
				)
				return out, nil

			case msg.Fault != nil:
				return nil, fmt.Errorf("daemon %s failed job: %s", daemon.ID, msg.Fault.Message)
			}
		}
	}
}
