// Package cmd implements the CLI commands for imgarr-convertd.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/imgarr/internal/config"
	"github.com/jmylchreest/imgarr/internal/observability"
	"github.com/jmylchreest/imgarr/internal/version"
)

// daemonViper is the daemon's own viper instance, kept separate from
// the coordinator's configuration tree.
var daemonViper = viper.New()

var rootCmd = &cobra.Command{
	Use:     "imgarr-convertd",
	Short:   "Remote conversion daemon for imgarr",
	Version: version.Short(),
	Long: `imgarr-convertd is a remote conversion daemon that connects to an
imgarr coordinator to provide image transform capacity.

It reports its capabilities (transform backend, pixel bounds, decodable
formats) and accepts bidirectional gRPC streaming of raster frames for
conversion operations.

Configuration is primarily via environment variables:
  IMGARR_COORDINATOR_URL  - Coordinator gRPC address (required for remote mode)
  IMGARR_AUTH_TOKEN       - Authentication token
  IMGARR_DAEMON_NAME      - Human-readable daemon name
  IMGARR_MAX_JOBS         - Maximum concurrent conversion jobs

Example:
  # Connect to coordinator at 192.168.1.100:9090
  IMGARR_COORDINATOR_URL=192.168.1.100:9090 \
  IMGARR_AUTH_TOKEN=mytoken \
  imgarr-convertd serve`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initConfig wires the IMGARR_* environment into the daemon viper and
// seeds defaults. The daemon takes no config file.
func initConfig() {
	daemonViper.SetEnvPrefix("IMGARR")
	daemonViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	daemonViper.AutomaticEnv()

	setDaemonDefaults()
}

func setDaemonDefaults() {
	hostname, _ := os.Hostname()
	daemonViper.SetDefault("daemon.name", hostname)
	daemonViper.SetDefault("daemon.id", "") // auto-generated if empty
	daemonViper.SetDefault("daemon.max_jobs", 4)
	daemonViper.SetDefault("daemon.backend", "auto") // auto, native, accel
	daemonViper.SetDefault("daemon.max_pixels", 0)   // 0 = unbounded

	daemonViper.SetDefault("coordinator.url", "")
	daemonViper.SetDefault("coordinator.auth_token", "")
	daemonViper.SetDefault("coordinator.heartbeat_interval", "5s")
	daemonViper.SetDefault("coordinator.reconnect_delay", "5s")
	daemonViper.SetDefault("coordinator.reconnect_max_delay", "60s")

	daemonViper.SetDefault("logging.level", "info")
	daemonViper.SetDefault("logging.format", "json")
}

// initLogging builds the daemon logger. Explicitly-set CLI flags win
// over environment values.
func initLogging() error {
	level := daemonViper.GetString("logging.level")
	format := daemonViper.GetString("logging.format")

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "json"
	}

	logCfg := config.LoggingConfig{
		Level:  strings.ToLower(level),
		Format: strings.ToLower(format),
	}
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	logger = observability.WithApp(logger, "imgarr-convertd")
	observability.SetDefault(logger)

	return nil
}

// GetDaemonViper exposes the daemon viper to subcommands.
func GetDaemonViper() *viper.Viper {
	return daemonViper
}
