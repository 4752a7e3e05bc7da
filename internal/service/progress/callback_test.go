package progress_test

import (
	"log/slog"
	"os"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/imgarr/internal/service/progress"
)

func newTestProgressService() *progress.Service {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return progress.NewService(logger)
}

func TestStageReporter_ReportProgress(t *testing.T) {
	t.Run("updates stage progress", func(t *testing.T) {
		svc := newTestProgressService()
		ownerID := ulid.Make().String()

		stages := progress.EqualStages(
			[2]string{"scan", "Scan"},
			[2]string{"convert", "Convert"},
			[2]string{"write", "Write"},
		)
		mgr, err := svc.StartOperation(progress.OpConversionRun, ownerID, "run", stages)
		require.NoError(t, err)

		reporter := mgr.StartStage("scan").Reporter()
		reporter.ReportProgress(0.5, "Halfway")

		op, err := svc.GetOperation(mgr.OperationID())
		require.NoError(t, err)
		scanStage := op.Stages[0]
		assert.Equal(t, 0.5, scanStage.Progress)
		assert.Equal(t, "Halfway", scanStage.Message)
	})

	t.Run("handles unknown stage IDs gracefully", func(t *testing.T) {
		svc := newTestProgressService()
		ownerID := ulid.Make().String()

		stages := progress.EqualStages([2]string{"scan", "Scan"})
		mgr, err := svc.StartOperation(progress.OpConversionRun, ownerID, "run", stages)
		require.NoError(t, err)

		// Report progress on an unknown stage - should not panic
		mgr.StartStage("unknown").Reporter().ReportProgress(0.5, "Test")

		// Operation should still be accessible
		op, err := svc.GetOperation(mgr.OperationID())
		require.NoError(t, err)
		assert.NotNil(t, op)
	})
}

func TestStageReporter_ReportItemProgress(t *testing.T) {
	t.Run("calculates progress from item counts", func(t *testing.T) {
		svc := newTestProgressService()
		ownerID := ulid.Make().String()

		stages := progress.EqualStages([2]string{"convert", "Convert Images"})
		mgr, err := svc.StartOperation(progress.OpConversionRun, ownerID, "run", stages)
		require.NoError(t, err)

		// Report item progress: 25 of 100
		mgr.StartStage("convert").Reporter().ReportItemProgress(25, 100, "photos/cat.png")

		op, err := svc.GetOperation(mgr.OperationID())
		require.NoError(t, err)
		convertStage := op.Stages[0]
		assert.InDelta(t, 0.25, convertStage.Progress, 0.01)
		assert.Equal(t, 25, convertStage.Current)
		assert.Equal(t, 100, convertStage.Total)
		assert.Equal(t, "photos/cat.png", convertStage.CurrentItem)
	})

	t.Run("handles zero total gracefully", func(t *testing.T) {
		svc := newTestProgressService()
		ownerID := ulid.Make().String()

		stages := progress.EqualStages([2]string{"convert", "Convert"})
		mgr, err := svc.StartOperation(progress.OpConversionRun, ownerID, "run", stages)
		require.NoError(t, err)

		// Should not panic with zero total
		mgr.StartStage("convert").Reporter().ReportItemProgress(0, 0, "item")

		// Operation should still be accessible and progress should be 0
		op, err := svc.GetOperation(mgr.OperationID())
		require.NoError(t, err)
		assert.NotNil(t, op)
		assert.InDelta(t, 0.0, op.Stages[0].Progress, 0.001)
	})
}

func TestNilReporter(t *testing.T) {
	// NilReporter must be safe to call without any service behind it.
	var reporter progress.ProgressReporter = progress.NilReporter{}
	reporter.ReportProgress(0.5, "ignored")
	reporter.ReportItemProgress(1, 2, "ignored")
}
