package handlers

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jmylchreest/imgarr/internal/config"
	"github.com/jmylchreest/imgarr/internal/service"
	"github.com/jmylchreest/imgarr/internal/service/progress"
	"github.com/jmylchreest/imgarr/internal/storage"
	"github.com/jmylchreest/imgarr/internal/testutil"
)

func newTestRunsHandler(t *testing.T) *RunsHandler {
	t.Helper()

	outputDir := t.TempDir()
	cfg := config.Config{
		Server: config.ServerConfig{ShutdownTimeout: 5 * time.Second},
		Pool: config.PoolConfig{
			Workers:    2,
			QueueSize:  16,
			JobTimeout: 10 * time.Second,
		},
		Transform: config.TransformConfig{Backend: "native"},
		Scan: config.ScanConfig{
			Recursive:      true,
			SpillThreshold: 1000,
		},
		Output: config.OutputConfig{
			Dir:    outputDir,
			Format: "irf",
		},
	}

	store, err := storage.NewOutputStore(outputDir)
	if err != nil {
		t.Fatalf("creating output store: %v", err)
	}

	progressSvc := progress.NewService(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	progressSvc.Start()
	t.Cleanup(progressSvc.Stop)

	runs, err := service.NewRunService(cfg, store, progressSvc)
	if err != nil {
		t.Fatalf("creating run service: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runs.Shutdown(ctx)
	})

	return NewRunsHandler(runs)
}

func TestRunsHandler_CreateRun(t *testing.T) {
	handler := newTestRunsHandler(t)

	inputDir := t.TempDir()
	testutil.WriteSampleTree(t, inputDir)

	output, err := handler.CreateRun(context.Background(), &CreateRunInput{
		Body: CreateRunRequest{Inputs: []string{inputDir}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if output.Status != 202 {
		t.Errorf("expected status 202, got %d", output.Status)
	}
	if output.Body.ID == "" {
		t.Error("expected non-empty run ID")
	}

	// The run executes in the background; poll until terminal.
	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := handler.GetRun(context.Background(), &GetRunInput{RunID: output.Body.ID})
		if err != nil {
			t.Fatalf("polling run: %v", err)
		}
		if got.Body.State == "completed" {
			if got.Body.Stats.Converted != 4 {
				t.Errorf("expected 4 converted images, got %d", got.Body.Stats.Converted)
			}
			break
		}
		if got.Body.State == "failed" || got.Body.State == "cancelled" {
			t.Fatalf("run ended in state %s: %s", got.Body.State, got.Body.Error)
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not finish, state %s", got.Body.State)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestRunsHandler_CreateRun_NoInputs(t *testing.T) {
	handler := newTestRunsHandler(t)

	_, err := handler.CreateRun(context.Background(), &CreateRunInput{
		Body: CreateRunRequest{},
	})
	if err == nil {
		t.Fatal("expected error for empty inputs")
	}
}

func TestRunsHandler_GetRun_NotFound(t *testing.T) {
	handler := newTestRunsHandler(t)

	_, err := handler.GetRun(context.Background(), &GetRunInput{RunID: "does-not-exist"})
	if err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestRunsHandler_ListRuns_Empty(t *testing.T) {
	handler := newTestRunsHandler(t)

	output, err := handler.ListRuns(context.Background(), &ListRunsInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(output.Body.Runs) != 0 {
		t.Errorf("expected no runs, got %d", len(output.Body.Runs))
	}
}

func TestRunsHandler_CancelRun_NotFound(t *testing.T) {
	handler := newTestRunsHandler(t)

	_, err := handler.CancelRun(context.Background(), &CancelRunInput{RunID: "does-not-exist"})
	if err == nil {
		t.Fatal("expected error for unknown run")
	}
}
