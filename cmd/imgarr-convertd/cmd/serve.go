package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/imgarr/internal/daemon"
	"github.com/jmylchreest/imgarr/internal/imaging"
	"github.com/jmylchreest/imgarr/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the conversion daemon",
	Long: `Start the imgarr-convertd conversion daemon.

The daemon will:
1. Detect transform capabilities (backend, pixel bounds, decodable formats)
2. Connect to the coordinator (if IMGARR_COORDINATOR_URL is set)
3. Register and report capabilities
4. Accept conversion jobs via gRPC streaming

In standalone mode (no coordinator URL), the daemon starts its own gRPC
listener when --listen is given, or just reports detection results.

Examples:
  # Start and connect to coordinator
  IMGARR_COORDINATOR_URL=192.168.1.100:9090 imgarr-convertd serve

  # Start with custom name
  IMGARR_DAEMON_NAME=worker-1 imgarr-convertd serve

  # Standalone listener on :9091
  imgarr-convertd serve --standalone --listen :9091`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Bool("standalone", false, "run in standalone mode (don't connect to coordinator)")
	serveCmd.Flags().String("daemon-id", "", "daemon ID (overrides auto-generated UUID)")
	serveCmd.Flags().String("name", "", "daemon name (overrides IMGARR_DAEMON_NAME)")
	serveCmd.Flags().Int("max-jobs", 0, "max concurrent conversion jobs (0 = use config/default)")
	serveCmd.Flags().String("backend", "", "transform backend (auto, native, accel)")
	serveCmd.Flags().Int64("max-pixels", 0, "max pixels per frame (0 = unbounded)")
	serveCmd.Flags().String("listen", "", "gRPC listen address for standalone mode (e.g., :9091)")
	serveCmd.Flags().String("coordinator-url", "", "coordinator gRPC URL (overrides IMGARR_COORDINATOR_URL)")
	serveCmd.Flags().String("auth-token", "", "authentication token (overrides IMGARR_AUTH_TOKEN)")
}

// serveSettings is the resolved daemon configuration: environment
// values from viper with non-zero CLI flags layered on top.
type serveSettings struct {
	daemonID   string
	daemonName string
	maxJobs    int
	backend    imaging.BackendKind
	maxPixels  int64

	coordinatorURL    string
	authToken         string
	heartbeatInterval time.Duration
	reconnectDelay    time.Duration
	reconnectMaxDelay time.Duration

	standalone bool
	listenAddr string
}

func resolveServeSettings(cmd *cobra.Command, v *viper.Viper) serveSettings {
	flagStr := func(viperKey, flagName string) string {
		if val, _ := cmd.Flags().GetString(flagName); val != "" {
			return val
		}
		return v.GetString(viperKey)
	}
	durOr := func(viperKey string, fallback time.Duration) time.Duration {
		if d := v.GetDuration(viperKey); d > 0 {
			return d
		}
		return fallback
	}

	s := serveSettings{
		daemonID:          flagStr("daemon.id", "daemon-id"),
		daemonName:        flagStr("daemon.name", "name"),
		backend:           imaging.BackendKind(flagStr("daemon.backend", "backend")),
		coordinatorURL:    flagStr("coordinator.url", "coordinator-url"),
		authToken:         flagStr("coordinator.auth_token", "auth-token"),
		heartbeatInterval: durOr("coordinator.heartbeat_interval", 5*time.Second),
		reconnectDelay:    durOr("coordinator.reconnect_delay", 5*time.Second),
		reconnectMaxDelay: durOr("coordinator.reconnect_max_delay", 60*time.Second),
	}
	if s.daemonID == "" {
		s.daemonID = uuid.New().String()
	}

	s.maxJobs = v.GetInt("daemon.max_jobs")
	if n, _ := cmd.Flags().GetInt("max-jobs"); n > 0 {
		s.maxJobs = n
	}
	s.maxPixels = v.GetInt64("daemon.max_pixels")
	if n, _ := cmd.Flags().GetInt64("max-pixels"); n > 0 {
		s.maxPixels = n
	}

	s.standalone, _ = cmd.Flags().GetBool("standalone")
	s.listenAddr, _ = cmd.Flags().GetString("listen")
	return s
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	info := version.GetInfo()
	logger.Info("imgarr-convertd starting",
		slog.String("version", info.Version),
		slog.String("commit", info.Commit),
		slog.String("built", info.Date),
		slog.String("go", info.GoVersion),
		slog.String("platform", info.Platform),
	)

	s := resolveServeSettings(cmd, GetDaemonViper())
	standalone := s.standalone || s.coordinatorURL == ""

	logger.Info("daemon configured",
		slog.String("daemon_id", s.daemonID),
		slog.String("daemon_name", s.daemonName),
		slog.Int("max_jobs", s.maxJobs),
		slog.Bool("standalone", standalone),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	caps, backend, err := daemon.DetectCapabilities(s.backend, s.maxJobs, s.maxPixels)
	if err != nil {
		return fmt.Errorf("detecting capabilities: %w", err)
	}

	logger.Info("transform backend detected",
		slog.String("backend", caps.Backend),
		slog.Int("max_jobs", caps.MaxConcurrentJobs),
		slog.Int64("max_pixels", caps.MaxPixels),
		slog.Any("formats", caps.Formats),
	)

	if standalone {
		if s.coordinatorURL == "" && !s.standalone {
			logger.Warn("IMGARR_COORDINATOR_URL not set, running in standalone mode")
		}
		return runStandalone(ctx, logger, s)
	}

	if s.authToken == "" {
		logger.Warn("IMGARR_AUTH_TOKEN not set, connection may be rejected")
	}

	// The executor runs the actual conversions and supplies the load
	// figures reported in heartbeats.
	executor := daemon.NewExecutor(logger, backend, s.maxJobs, s.maxPixels)

	regClient := daemon.NewRegistrationClient(logger, &daemon.RegistrationConfig{
		DaemonID:          s.daemonID,
		DaemonName:        s.daemonName,
		CoordinatorURL:    s.coordinatorURL,
		AuthToken:         s.authToken,
		HeartbeatInterval: s.heartbeatInterval,
		ReconnectDelay:    s.reconnectDelay,
		ReconnectMaxDelay: s.reconnectMaxDelay,
	}, executor)
	regClient.SetCapabilities(caps)
	regClient.SetStatsCollector(daemon.NewStatsCollector())

	logger.Info("connecting to coordinator",
		slog.String("url", s.coordinatorURL),
		slog.Bool("has_auth", s.authToken != ""),
	)

	if err := regClient.ConnectAndRegister(ctx); err != nil {
		return fmt.Errorf("connecting to coordinator: %w", err)
	}
	regClient.StartConvertStream(ctx)

	logger.Info("daemon registered and running",
		slog.String("state", regClient.GetState().String()),
	)

	sig := awaitSignal()
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := regClient.Unregister(shutdownCtx, "shutdown"); err != nil {
		logger.Warn("unregister failed", slog.String("error", err.Error()))
	}
	if err := regClient.Close(); err != nil {
		logger.Warn("close failed", slog.String("error", err.Error()))
	}

	logger.Info("shutdown complete")
	return nil
}

// runStandalone serves locally when --listen is given; otherwise the
// daemon has nothing to do beyond the capability report and just waits
// for a signal.
func runStandalone(ctx context.Context, logger *slog.Logger, s serveSettings) error {
	if s.listenAddr == "" {
		logger.Info("standalone mode, no listen address: idle after capability detection")
		sig := awaitSignal()
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		return nil
	}

	server := daemon.NewServer(logger, &daemon.Config{
		ID:                s.daemonID,
		Name:              s.daemonName,
		ListenAddr:        s.listenAddr,
		Backend:           s.backend,
		MaxConcurrentJobs: s.maxJobs,
		MaxPixels:         s.maxPixels,
		HeartbeatInterval: s.heartbeatInterval,
		AuthToken:         s.authToken,
	})

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	sig := awaitSignal()
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	return server.Stop(stopCtx)
}

func awaitSignal() os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return <-sigCh
}
