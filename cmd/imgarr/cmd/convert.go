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
	"github.com/jmylchreest/imgarr/internal/imaging"
	"github.com/jmylchreest/imgarr/internal/observability"
	"github.com/jmylchreest/imgarr/internal/service"
	"github.com/jmylchreest/imgarr/internal/service/progress"
	"github.com/jmylchreest/imgarr/internal/storage"
	"github.com/jmylchreest/imgarr/internal/version"
	"github.com/jmylchreest/imgarr/pkg/format"
)

var convertCmd = &cobra.Command{
	Use:   "convert [inputs...]",
	Short: "Convert a batch of images",
	Long: `Convert a batch of images in one shot, without starting a server.

Each input is a file, a directory (scanned recursively), or an http(s)
URL when remote fetching is enabled. Outputs mirror the input layout
under the output directory.

Examples:
  imgarr convert ./photos
  imgarr convert --max-width 640 --max-height 480 ./photos ./scans
  imgarr convert --format png --no-grayscale image.jpg`,
	Args: cobra.MinimumNArgs(1),
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)

	convertCmd.Flags().String("output-dir", "", "Directory for converted outputs (default from config)")
	convertCmd.Flags().Int("workers", 0, "Worker pool size (0 = config/default)")
	convertCmd.Flags().Int("max-width", 0, "Maximum output width (0 = config/default)")
	convertCmd.Flags().Int("max-height", 0, "Maximum output height (0 = config/default)")
	convertCmd.Flags().Bool("no-grayscale", false, "Keep color instead of converting to grayscale")
	convertCmd.Flags().String("format", "", "Output format (irf, png, jpeg, bmp, tiff)")
	convertCmd.Flags().String("compression", "", "Frame compression for irf output (none, gzip, xz)")
	convertCmd.Flags().Bool("quiet", false, "Only print the final summary")
}

func runConvert(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("output-dir") {
		cfg.Output.Dir, _ = cmd.Flags().GetString("output-dir")
	}
	if cmd.Flags().Changed("workers") {
		if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
			cfg.Pool.Workers = workers
		}
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

	req := service.RunRequest{Inputs: args}
	if cmd.Flags().Changed("max-width") || cmd.Flags().Changed("max-height") || cmd.Flags().Changed("no-grayscale") {
		opts := imaging.TransformOptions{
			MaxWidth:  cfg.Transform.MaxWidth,
			MaxHeight: cfg.Transform.MaxHeight,
			Grayscale: cfg.Transform.Grayscale,
		}
		if cmd.Flags().Changed("max-width") {
			opts.MaxWidth, _ = cmd.Flags().GetInt("max-width")
		}
		if cmd.Flags().Changed("max-height") {
			opts.MaxHeight, _ = cmd.Flags().GetInt("max-height")
		}
		if cmd.Flags().Changed("no-grayscale") {
			noGray, _ := cmd.Flags().GetBool("no-grayscale")
			opts.Grayscale = !noGray
		}
		req.Options = &opts
	}
	req.Format, _ = cmd.Flags().GetString("format")
	req.Compression, _ = cmd.Flags().GetString("compression")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	run, err := runService.StartRun(ctx, req)
	if err != nil {
		return fmt.Errorf("starting run: %w", err)
	}

	quiet, _ := cmd.Flags().GetBool("quiet")
	if !quiet {
		fmt.Fprintf(os.Stderr, "Run %s started (%d inputs, backend %s)\n",
			run.ID, len(run.Inputs), runService.Backend().Name())
	}

	// Poll until the run reaches a terminal state. Cancel on signal and
	// wait for the run to wind down.
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	cancelled := false
	for {
		select {
		case sig := <-sigChan:
			if cancelled {
				return fmt.Errorf("aborted")
			}
			cancelled = true
			fmt.Fprintf(os.Stderr, "Received %s, cancelling run %s\n", sig, run.ID)
			if err := runService.CancelRun(run.ID); err != nil {
				logger.Warn("cancel failed", slog.String("error", err.Error()))
			}
		case <-ticker.C:
		}

		current, err := runService.GetRun(run.ID)
		if err != nil {
			return fmt.Errorf("polling run: %w", err)
		}
		if current.State.IsTerminal() {
			run = current
			break
		}
	}

	printRunSummary(run)

	switch run.State {
	case service.RunStateFailed:
		return fmt.Errorf("run failed: %s", run.Error)
	case service.RunStateCancelled:
		return fmt.Errorf("run cancelled")
	}
	return nil
}

// printRunSummary writes the human-readable end-of-run report.
func printRunSummary(run *service.Run) {
	elapsed := time.Since(run.StartedAt)
	if run.CompletedAt != nil {
		elapsed = run.CompletedAt.Sub(run.StartedAt)
	}

	stats := run.Stats
	fmt.Printf("Run %s %s in %s\n", run.ID, run.State, elapsed.Round(time.Millisecond))
	fmt.Printf("  Scanned:   %s files (%s matched, %s skipped)\n",
		format.Number(int64(stats.Scanned)),
		format.Number(int64(stats.Matched)),
		format.Number(int64(stats.SkippedScan)))
	fmt.Printf("  Converted: %s\n", format.Number(int64(stats.Converted)))
	if stats.Failed > 0 {
		fmt.Printf("  Failed:    %s\n", format.Number(int64(stats.Failed)))
	}
	if stats.TimedOut > 0 {
		fmt.Printf("  Timed out: %s\n", format.Number(int64(stats.TimedOut)))
	}
	if stats.InputBytes > 0 {
		ratio := float64(stats.OutputBytes) / float64(stats.InputBytes) * 100
		fmt.Printf("  Size:      %s in, %s out (%s of original)\n",
			format.Bytes(stats.InputBytes),
			format.Bytes(stats.OutputBytes),
			format.Percentage(ratio, 1))
	}
}
