package handlers

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/jmylchreest/imgarr/internal/remote"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHealthHandler_GetLivez(t *testing.T) {
	handler := NewHealthHandler("0.4.0")

	output, err := handler.GetLivez(context.Background(), &LivezInput{})
	if err != nil {
		t.Fatalf("GetLivez: %v", err)
	}
	if output.Body.Status != "ok" {
		t.Errorf("status = %q, want %q", output.Body.Status, "ok")
	}
}

func TestHealthHandler_GetReadyz(t *testing.T) {
	t.Run("not ready without a run service", func(t *testing.T) {
		handler := NewHealthHandler("0.4.0")

		output, err := handler.GetReadyz(context.Background(), &ReadyzInput{})
		if err != nil {
			t.Fatalf("GetReadyz: %v", err)
		}

		if got := output.Body.Status; got != "not_ready" {
			t.Errorf("status = %q, want %q", got, "not_ready")
		}
		if got := output.Body.Components["pool"]; got != "not_configured" {
			t.Errorf("pool component = %q, want %q", got, "not_configured")
		}
		if got := output.Body.Components["fetch"]; got != "disabled" {
			t.Errorf("fetch component = %q, want %q", got, "disabled")
		}
	})

	t.Run("empty registry reports no connected daemons", func(t *testing.T) {
		registry := remote.NewDaemonRegistry(discardLogger())
		handler := NewHealthHandler("0.4.0").WithRegistry(registry)

		output, err := handler.GetReadyz(context.Background(), &ReadyzInput{})
		if err != nil {
			t.Fatalf("GetReadyz: %v", err)
		}

		// Missing daemons never flip readiness: runs fall back to
		// local processing.
		if got := output.Body.Components["daemons"]; got != "none_connected" {
			t.Errorf("daemons component = %q, want %q", got, "none_connected")
		}
	})
}

func TestHealthHandler_GetHealth(t *testing.T) {
	handler := NewHealthHandler("0.4.0")

	output, err := handler.GetHealth(context.Background(), &HealthInput{})
	if err != nil {
		t.Fatalf("GetHealth: %v", err)
	}

	body := output.Body
	if body.Status != "healthy" {
		t.Errorf("status = %q, want %q", body.Status, "healthy")
	}
	if body.Version != "0.4.0" {
		t.Errorf("version = %q, want %q", body.Version, "0.4.0")
	}
	if body.Uptime == "" {
		t.Error("uptime is empty")
	}
	if body.CPUInfo.Cores == 0 {
		t.Error("CPU cores = 0")
	}
	if body.Pool != nil {
		t.Error("pool stats present without a run service")
	}
	if body.Daemons != nil {
		t.Error("daemon summary present without a registry")
	}
}

func TestHealthHandler_GetHealthWithRegistry(t *testing.T) {
	registry := remote.NewDaemonRegistry(discardLogger())
	handler := NewHealthHandler("0.4.0").WithRegistry(registry)

	output, err := handler.GetHealth(context.Background(), &HealthInput{})
	if err != nil {
		t.Fatalf("GetHealth: %v", err)
	}

	if output.Body.Daemons == nil {
		t.Fatal("daemon summary missing with a registry configured")
	}
	if got := output.Body.Daemons.Registered; got != 0 {
		t.Errorf("registered daemons = %d, want 0", got)
	}
}
