package service

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/imgarr/internal/codec"
	"github.com/jmylchreest/imgarr/internal/dispatch"
	"github.com/jmylchreest/imgarr/internal/imaging"
	"github.com/jmylchreest/imgarr/internal/remote"
	"github.com/jmylchreest/imgarr/internal/storage"
	"github.com/jmylchreest/imgarr/internal/wire"
)

func newTestProcessor(t *testing.T, format codec.Format, compression wire.Compression, overwrite bool) (*convertProcessor, *storage.OutputStore) {
	t.Helper()

	store, err := storage.NewOutputStore(t.TempDir())
	require.NoError(t, err)

	backend, err := imaging.Select(imaging.BackendNative)
	require.NoError(t, err)

	return newConvertProcessor(backend, store, "testrun", format, compression, overwrite, testLogger()), store
}

func TestConvertProcessor_Outcome(t *testing.T) {
	inputPath := filepath.Join(t.TempDir(), "photo.png")
	writeNoisyPNG(t, inputPath, 200, 100)
	info, err := os.Stat(inputPath)
	require.NoError(t, err)

	proc, store := newTestProcessor(t, codec.FormatIRF, wire.CompressionNone, false)
	job := dispatch.NewJob(inputPath, "photo.irf", imaging.TransformOptions{
		MaxWidth:  100,
		MaxHeight: 100,
		Grayscale: true,
	})

	outcome, err := proc.Process(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, outcome)

	assert.Equal(t, info.Size(), outcome.InputBytes)
	assert.Equal(t, 100, outcome.Width)
	assert.Equal(t, 50, outcome.Height)
	assert.Equal(t, 1, outcome.Channels)
	// A bounded grayscale frame of a noisy photo must come out smaller
	// than the source container.
	assert.Less(t, outcome.OutputBytes, outcome.InputBytes)

	data, err := store.ReadBytes(outcome.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), outcome.OutputBytes)

	buf, err := wire.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 100, buf.Width)
	assert.Equal(t, 50, buf.Height)
	assert.Equal(t, 1, buf.Channels)
}

func TestConvertProcessor_ExistingOutput(t *testing.T) {
	inputPath := filepath.Join(t.TempDir(), "cat.png")
	writeTestPNG(t, inputPath, 4, 4)
	opts := imaging.TransformOptions{}

	t.Run("overwrite disabled", func(t *testing.T) {
		proc, _ := newTestProcessor(t, codec.FormatIRF, wire.CompressionNone, false)

		_, err := proc.Process(context.Background(), dispatch.NewJob(inputPath, "cat.irf", opts))
		require.NoError(t, err)

		_, err = proc.Process(context.Background(), dispatch.NewJob(inputPath, "cat.irf", opts))
		assert.ErrorIs(t, err, ErrOutputExists)
	})

	t.Run("overwrite enabled", func(t *testing.T) {
		proc, _ := newTestProcessor(t, codec.FormatIRF, wire.CompressionNone, true)

		_, err := proc.Process(context.Background(), dispatch.NewJob(inputPath, "cat.irf", opts))
		require.NoError(t, err)

		outcome, err := proc.Process(context.Background(), dispatch.NewJob(inputPath, "cat.irf", opts))
		require.NoError(t, err)
		assert.NotNil(t, outcome)
	})
}

func TestConvertProcessor_CompressedFrame(t *testing.T) {
	inputPath := filepath.Join(t.TempDir(), "cat.png")
	writeTestPNG(t, inputPath, 8, 6)

	proc, store := newTestProcessor(t, codec.FormatIRF, wire.CompressionGzip, false)

	outcome, err := proc.Process(context.Background(), dispatch.NewJob(inputPath, "cat.irf", imaging.TransformOptions{}))
	require.NoError(t, err)

	data, err := store.ReadBytes(outcome.OutputPath)
	require.NoError(t, err)

	buf, err := wire.DecodeCompressed(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 8, buf.Width)
	assert.Equal(t, 6, buf.Height)
}

func TestConvertProcessor_UnreadableInput(t *testing.T) {
	proc, _ := newTestProcessor(t, codec.FormatIRF, wire.CompressionNone, false)

	_, err := proc.Process(context.Background(), dispatch.NewJob(
		filepath.Join(t.TempDir(), "missing.png"), "missing.irf", imaging.TransformOptions{}))
	assert.ErrorContains(t, err, "reading input")
}

// stubRouter fakes the remote daemon path for fallback tests.
type stubRouter struct {
	available bool
	out       *imaging.PixelBuffer
	err       error
	calls     int
}

func (r *stubRouter) Available() bool { return r.available }

func (r *stubRouter) Transform(_ context.Context, _ *imaging.PixelBuffer, _ imaging.TransformOptions) (*imaging.PixelBuffer, error) {
	r.calls++
	return r.out, r.err
}

func TestConvertProcessor_Router(t *testing.T) {
	inputPath := filepath.Join(t.TempDir(), "cat.png")
	writeTestPNG(t, inputPath, 8, 6)
	opts := imaging.TransformOptions{Grayscale: true}

	t.Run("remote result used", func(t *testing.T) {
		remoteOut, err := imaging.NewPixelBuffer(7, 5, 3)
		require.NoError(t, err)

		router := &stubRouter{available: true, out: remoteOut}
		proc, _ := newTestProcessor(t, codec.FormatIRF, wire.CompressionNone, false)
		proc = proc.withRouter(router)

		outcome, err := proc.Process(context.Background(), dispatch.NewJob(inputPath, "cat.irf", opts))
		require.NoError(t, err)
		assert.Equal(t, 1, router.calls)
		assert.Equal(t, 7, outcome.Width)
		assert.Equal(t, 5, outcome.Height)
	})

	t.Run("unavailable router is not consulted", func(t *testing.T) {
		router := &stubRouter{available: false}
		proc, _ := newTestProcessor(t, codec.FormatIRF, wire.CompressionNone, false)
		proc = proc.withRouter(router)

		outcome, err := proc.Process(context.Background(), dispatch.NewJob(inputPath, "cat.irf", opts))
		require.NoError(t, err)
		assert.Equal(t, 0, router.calls)
		assert.Equal(t, 1, outcome.Channels)
	})

	t.Run("no daemons falls back locally", func(t *testing.T) {
		router := &stubRouter{available: true, err: remote.ErrNoDaemons}
		proc, _ := newTestProcessor(t, codec.FormatIRF, wire.CompressionNone, false)
		proc = proc.withRouter(router)

		outcome, err := proc.Process(context.Background(), dispatch.NewJob(inputPath, "cat.irf", opts))
		require.NoError(t, err)
		assert.Equal(t, 1, router.calls)
		assert.Equal(t, 8, outcome.Width)
		assert.Equal(t, 1, outcome.Channels)
	})

	t.Run("remote failure falls back locally", func(t *testing.T) {
		router := &stubRouter{available: true, err: errors.New("stream reset")}
		proc, _ := newTestProcessor(t, codec.FormatIRF, wire.CompressionNone, false)
		proc = proc.withRouter(router)

		outcome, err := proc.Process(context.Background(), dispatch.NewJob(inputPath, "cat.irf", opts))
		require.NoError(t, err)
		assert.Equal(t, 1, router.calls)
		assert.Equal(t, 1, outcome.Channels)
	})

	t.Run("cancellation does not fall back", func(t *testing.T) {
		router := &stubRouter{available: true, err: context.Canceled}
		proc, store := newTestProcessor(t, codec.FormatIRF, wire.CompressionNone, false)
		proc = proc.withRouter(router)

		_, err := proc.Process(context.Background(), dispatch.NewJob(inputPath, "cat.irf", opts))
		assert.ErrorIs(t, err, context.Canceled)

		exists, err := store.Exists(filepath.Join(store.RunDir("testrun"), "cat.irf"))
		require.NoError(t, err)
		assert.False(t, exists, "cancelled job must not publish")
	})
}
