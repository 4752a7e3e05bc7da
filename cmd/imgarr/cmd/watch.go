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
	"github.com/jmylchreest/imgarr/internal/observability"
	"github.com/jmylchreest/imgarr/internal/scheduler"
	"github.com/jmylchreest/imgarr/internal/service"
	"github.com/jmylchreest/imgarr/internal/service/progress"
	"github.com/jmylchreest/imgarr/internal/storage"
	"github.com/jmylchreest/imgarr/internal/version"
	"github.com/jmylchreest/imgarr/pkg/format"
)

var watchCmd = &cobra.Command{
	Use:   "watch [inputs...]",
	Short: "Re-scan inputs on a cron schedule",
	Long: `Run the watch scheduler in the foreground without the HTTP server.

On every schedule fire the configured inputs are re-scanned and a new
conversion run starts, unless the previous run is still active. Inputs
given on the command line override watch.inputs from the config.

Examples:
  imgarr watch ./incoming
  imgarr watch --cron "0 0 * * * *" ./incoming ./scans`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().String("cron", "", "6-field cron expression (default from config)")
	watchCmd.Flags().String("output-dir", "", "Directory for converted outputs (default from config)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("output-dir") {
		cfg.Output.Dir, _ = cmd.Flags().GetString("output-dir")
	}

	cronExpr := cfg.Watch.Cron
	if cmd.Flags().Changed("cron") {
		cronExpr, _ = cmd.Flags().GetString("cron")
	}
	inputs := cfg.Watch.Inputs
	if len(args) > 0 {
		inputs = args
	}
	if len(inputs) == 0 {
		return fmt.Errorf("no inputs: pass them as arguments or set watch.inputs")
	}

	store, err := storage.NewOutputStore(cfg.Output.Dir)
	if err != nil {
		return fmt.Errorf("initializing output store: %w", err)
	}

	progressService := progress.NewService(logger)
	progressService.Start()
	defer progressService.Stop()

	runService, err := service.NewRunService(*cfg, store, progressService)
	if err != nil {
		return fmt.Errorf("initializing run service: %w", err)
	}
	runService.WithLogger(logger)

	if cfg.Fetch.Enabled {
		runService.WithFetcher(fetch.New(fetch.Config{
			Timeout:          cfg.Fetch.Timeout,
			RetryAttempts:    cfg.Fetch.RetryAttempts,
			RetryDelay:       cfg.Fetch.RetryDelay,
			CircuitThreshold: cfg.Fetch.CircuitThreshold,
			CircuitTimeout:   cfg.Fetch.CircuitTimeout,
			MaxBodySize:      cfg.Scan.MaxInputSize.Bytes(),
			UserAgent:        version.UserAgent(),
			Logger:           observability.WithComponent(logger, "fetch"),
		}))
	}

	sched, err := scheduler.New(runService, scheduler.Config{
		CronExpr: cronExpr,
		Inputs:   inputs,
	})
	if err != nil {
		return fmt.Errorf("initializing watch scheduler: %w", err)
	}
	sched.WithLogger(observability.WithComponent(logger, "scheduler"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting watch scheduler: %w", err)
	}

	if next, err := sched.NextRun(); err == nil {
		fmt.Fprintf(os.Stderr, "Watching %d input(s), %s (next run %s)\n",
			len(inputs), format.CronDescription(cronExpr), format.RelativeTime(next))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	sched.Stop()

	// Let the in-flight run finish draining.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := runService.Shutdown(shutdownCtx); err != nil {
		logger.Warn("run service shutdown incomplete", slog.String("error", err.Error()))
	}

	cycles, skipped := sched.Stats()
	fmt.Fprintf(os.Stderr, "Watch stopped after %d cycle(s), %d skipped\n", cycles, skipped)
	return nil
}
