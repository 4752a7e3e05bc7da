package daemon

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/imgarr/internal/imaging"
	"github.com/jmylchreest/imgarr/internal/wire"
	"github.com/jmylchreest/imgarr/pkg/convertd"
)

func newTestExecutor(t *testing.T, maxJobs int, maxPixels int64) *Executor {
	t.Helper()
	backend, err := imaging.Select(imaging.BackendNative)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewExecutor(logger, backend, maxJobs, maxPixels)
}

func encodeTestFrame(t *testing.T, width, height, channels int) []byte {
	t.Helper()
	buf, err := imaging.NewPixelBuffer(width, height, channels)
	require.NoError(t, err)
	for i := range buf.Pix {
		buf.Pix[i] = byte(i % 251)
	}
	frame, err := wire.Encode(buf)
	require.NoError(t, err)
	return frame
}

func TestExecutor_Execute(t *testing.T) {
	t.Run("resizes_and_reencodes", func(t *testing.T) {
		executor := newTestExecutor(t, 2, 0)

		var stages []string
		result, err := executor.Execute(context.Background(), &convertd.JobRequest{
			JobID:     "job-1",
			MaxWidth:  4,
			MaxHeight: 4,
			Frame:     encodeTestFrame(t, 8, 8, 3),
		}, func(stage string) {
			stages = append(stages, stage)
		})
		require.NoError(t, err)

		out, err := wire.Decode(result.Frame)
		require.NoError(t, err)
		assert.Equal(t, 4, out.Width)
		assert.Equal(t, 4, out.Height)
		assert.Equal(t, 3, out.Channels)

		assert.Equal(t, []string{"decode", "transform", "encode"}, stages)
		assert.Equal(t, "job-1", result.JobID)
		assert.Greater(t, result.Elapsed.Nanoseconds(), int64(0))

		completed, failed := executor.Counters()
		assert.Equal(t, uint64(1), completed)
		assert.Equal(t, uint64(0), failed)
		assert.Equal(t, 0, executor.ActiveJobs())
	})

	t.Run("grayscale_collapses_channels", func(t *testing.T) {
		executor := newTestExecutor(t, 2, 0)

		result, err := executor.Execute(context.Background(), &convertd.JobRequest{
			JobID:     "job-gray",
			Grayscale: true,
			Frame:     encodeTestFrame(t, 4, 4, 3),
		}, nil)
		require.NoError(t, err)

		out, err := wire.Decode(result.Frame)
		require.NoError(t, err)
		assert.Equal(t, 1, out.Channels)
		assert.Equal(t, 4, out.Width)
	})

	t.Run("malformed_frame_fails", func(t *testing.T) {
		executor := newTestExecutor(t, 2, 0)

		_, err := executor.Execute(context.Background(), &convertd.JobRequest{
			JobID: "job-bad",
			Frame: []byte{0x01, 0x02, 0x03},
		}, nil)
		require.Error(t, err)

		_, failed := executor.Counters()
		assert.Equal(t, uint64(1), failed)
		assert.Equal(t, 0, executor.ActiveJobs())
	})

	t.Run("pixel_budget_enforced", func(t *testing.T) {
		executor := newTestExecutor(t, 2, 16)

		_, err := executor.Execute(context.Background(), &convertd.JobRequest{
			JobID: "job-big",
			Frame: encodeTestFrame(t, 8, 8, 3),
		}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pixel budget")
	})

	t.Run("rejects_when_at_capacity", func(t *testing.T) {
		executor := newTestExecutor(t, 1, 0)

		// Hold the only slot open.
		_, cancel, err := executor.begin(context.Background(), "holder")
		require.NoError(t, err)
		defer executor.finish("holder", cancel)

		assert.False(t, executor.CanAccept())

		_, err = executor.Execute(context.Background(), &convertd.JobRequest{
			JobID: "job-2",
			Frame: encodeTestFrame(t, 4, 4, 3),
		}, nil)
		assert.ErrorIs(t, err, ErrBusy)
	})

	t.Run("rejects_duplicate_job_id", func(t *testing.T) {
		executor := newTestExecutor(t, 4, 0)

		_, cancel, err := executor.begin(context.Background(), "dup")
		require.NoError(t, err)
		defer executor.finish("dup", cancel)

		_, _, err = executor.begin(context.Background(), "dup")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already running")
	})

	t.Run("cancelled_context_aborts", func(t *testing.T) {
		executor := newTestExecutor(t, 2, 0)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := executor.Execute(ctx, &convertd.JobRequest{
			JobID: "job-cancelled",
			Frame: encodeTestFrame(t, 4, 4, 3),
		}, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestExecutor_Cancel(t *testing.T) {
	t.Run("cancels_running_job", func(t *testing.T) {
		executor := newTestExecutor(t, 2, 0)

		jobCtx, cancel, err := executor.begin(context.Background(), "running")
		require.NoError(t, err)
		defer executor.finish("running", cancel)

		require.NoError(t, jobCtx.Err())
		executor.Cancel("running")
		assert.ErrorIs(t, jobCtx.Err(), context.Canceled)
	})

	t.Run("unknown_job_is_a_no_op", func(t *testing.T) {
		executor := newTestExecutor(t, 2, 0)
		executor.Cancel("ghost")
	})
}

func TestDetectCapabilities(t *testing.T) {
	t.Run("native_backend", func(t *testing.T) {
		caps, backend, err := DetectCapabilities(imaging.BackendNative, 8, 1000)
		require.NoError(t, err)

		assert.Equal(t, "native", caps.Backend)
		assert.Equal(t, "native", backend.Name())
		assert.Equal(t, 8, caps.MaxConcurrentJobs)
		assert.Equal(t, int64(1000), caps.MaxPixels)
		assert.Contains(t, caps.Formats, "png")
		assert.Contains(t, caps.Formats, "irf")
	})

	t.Run("auto_prefers_accelerated", func(t *testing.T) {
		caps, _, err := DetectCapabilities(imaging.BackendAuto, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, "accel", caps.Backend)
	})

	t.Run("zero_max_jobs_defaults_to_cpu_count", func(t *testing.T) {
		caps, _, err := DetectCapabilities(imaging.BackendNative, 0, 0)
		require.NoError(t, err)
		assert.Greater(t, caps.MaxConcurrentJobs, 0)
	})

	t.Run("unknown_backend_errors", func(t *testing.T) {
		_, _, err := DetectCapabilities(imaging.BackendKind("quantum"), 0, 0)
		assert.Error(t, err)
	})
}
