package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/imgarr/internal/fetch"
	internalhttp "github.com/jmylchreest/imgarr/internal/http"
	"github.com/jmylchreest/imgarr/internal/http/handlers"
	"github.com/jmylchreest/imgarr/internal/observability"
	"github.com/jmylchreest/imgarr/internal/remote"
	"github.com/jmylchreest/imgarr/internal/scheduler"
	"github.com/jmylchreest/imgarr/internal/service"
	"github.com/jmylchreest/imgarr/internal/service/progress"
	"github.com/jmylchreest/imgarr/internal/storage"
	"github.com/jmylchreest/imgarr/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the imgarr server",
	Long: `Start the imgarr HTTP server and API.

The server provides:
- REST API for starting and inspecting conversion runs
- SSE progress streams per run
- Health check endpoint
- Optional gRPC listener for remote conversion daemons
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server flags
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("output-dir", "./output", "Directory for converted outputs")
	serveCmd.Flags().Int("workers", 0, "Worker pool size (0 = config/default)")

	// Bind flags to viper
	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("output.dir", serveCmd.Flags().Lookup("output-dir"))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("workers") {
		if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
			cfg.Pool.Workers = workers
		}
	}

	// Initialize output store
	store, err := storage.NewOutputStore(cfg.Output.Dir)
	if err != nil {
		return fmt.Errorf("initializing output store: %w", err)
	}

	// Initialize progress service
	progressService := progress.NewService(logger)
	progressService.Start()
	defer progressService.Stop()

	// Initialize run service
	runService, err := service.NewRunService(*cfg, store, progressService)
	if err != nil {
		return fmt.Errorf("initializing run service: %w", err)
	}
	runService.WithLogger(logger)

	logger.Info("transform backend selected",
		slog.String("backend", runService.Backend().Name()),
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	// Remote input fetching
	var fetcher *fetch.Client
	if cfg.Fetch.Enabled {
		fetcher = fetch.New(fetch.Config{
			Timeout:          cfg.Fetch.Timeout,
			RetryAttempts:    cfg.Fetch.RetryAttempts,
			RetryDelay:       cfg.Fetch.RetryDelay,
			CircuitThreshold: cfg.Fetch.CircuitThreshold,
			CircuitTimeout:   cfg.Fetch.CircuitTimeout,
			MaxBodySize:      cfg.Scan.MaxInputSize.Bytes(),
			UserAgent:        version.UserAgent(),
			Logger:           observability.WithComponent(logger, "fetch"),
		})
		runService.WithFetcher(fetcher)
	}

	// Remote conversion daemons
	var registry *remote.DaemonRegistry
	if cfg.Convertd.Enabled {
		registry = remote.NewDaemonRegistry(observability.WithComponent(logger, "daemon_registry")).
			WithHeartbeatTimeout(cfg.Convertd.HeartbeatTimeout).
			WithRemoveTimeout(cfg.Convertd.RemoveTimeout)

		grpcServer := remote.NewServer(logger, &remote.ServerConfig{
			ListenAddr:        cfg.Convertd.Address(),
			AuthToken:         cfg.Convertd.AuthToken,
			HeartbeatInterval: cfg.Convertd.HeartbeatInterval,
		}, registry)

		if err := grpcServer.Start(ctx); err != nil {
			return fmt.Errorf("starting convertd listener: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			if err := grpcServer.Stop(stopCtx); err != nil {
				logger.Warn("convertd listener stop failed", slog.String("error", err.Error()))
			}
		}()

		router := remote.NewRouter(logger, registry, grpcServer.Streams())
		runService.WithRouter(router)

		logger.Info("convertd listener started",
			slog.String("address", cfg.Convertd.Address()),
		)
	}

	// Scheduled re-scans
	if cfg.Watch.Enabled {
		sched, err := scheduler.New(runService, scheduler.Config{
			CronExpr: cfg.Watch.Cron,
			Inputs:   cfg.Watch.Inputs,
		})
		if err != nil {
			return fmt.Errorf("initializing watch scheduler: %w", err)
		}
		sched.WithLogger(observability.WithComponent(logger, "scheduler"))

		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("starting watch scheduler: %w", err)
		}
		defer sched.Stop()
	}

	// Initialize HTTP server
	serverConfig := internalhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		CORSOrigins:     cfg.Server.CORSOrigins,
	}
	server := internalhttp.NewServer(serverConfig, logger, version.Version)

	// Register OpenAPI docs handler
	docsHandler := handlers.NewDocsHandler("imgarr API", "/openapi.json")
	server.Router().Get("/docs", docsHandler.ServeHTTP)

	// Register handlers
	healthHandler := handlers.NewHealthHandler(version.Version).
		WithRunService(runService)
	if registry != nil {
		healthHandler.WithRegistry(registry)
	}
	if fetcher != nil {
		healthHandler.WithFetcher(fetcher)
	}
	healthHandler.Register(server.API())

	runsHandler := handlers.NewRunsHandler(runService)
	runsHandler.Register(server.API())

	progressHandler := handlers.NewProgressHandler(progressService)
	progressHandler.Register(server.API())
	progressHandler.RegisterSSE(server.Router())

	if registry != nil {
		daemonsHandler := handlers.NewDaemonsHandler(registry)
		daemonsHandler.Register(server.API())
	}

	versionHandler := handlers.NewVersionHandler()
	versionHandler.Register(server.API())

	// Start server
	logger.Info("starting imgarr server",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.String("version", version.Version),
	)

	serveErr := server.ListenAndServe(ctx)

	// Drain active runs before returning.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := runService.Shutdown(shutdownCtx); err != nil {
		logger.Warn("run service shutdown incomplete", slog.String("error", err.Error()))
	}

	return serveErr
}
