// Package cmd implements the CLI commands for imgarr.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jmylchreest/imgarr/internal/config"
	"github.com/jmylchreest/imgarr/internal/observability"
	"github.com/jmylchreest/imgarr/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "imgarr",
	Short:   "Batch image conversion and resizing service",
	Version: version.Short(),
	Long: `imgarr converts batches of images through a concurrent worker pool:
aspect-preserving resize, grayscale conversion, and re-encoding into a
compact raster frame format or standard image formats.

It runs as a one-shot CLI (imgarr convert), a scheduled watcher
(imgarr watch), or a server with a REST API, SSE progress streams, and
optional remote conversion daemons (imgarr serve).`,
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

	// Assigned here rather than in the literal above: initLogging reads
	// rootCmd.PersistentFlags, which would cycle during initialization.
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// The log flags are deliberately not bound to viper. Binding would
	// make the flag default shadow env and config values; instead
	// initLogging applies them only when Changed() reports an explicit
	// flag, keeping the precedence flag > env > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.imgarr.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initConfig seeds viper with defaults, the config file, and the
// IMGARR_* environment.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/imgarr")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".imgarr")
	}

	viper.SetEnvPrefix("IMGARR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging builds the process logger. Viper already resolves
// env > config > default; explicitly-set CLI flags win over all of
// them.
func initLogging() error {
	level := viper.GetString("logging.level")
	format := viper.GetString("logging.format")

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

	// The app field separates imgarr from imgarr-convertd lines when
	// both log to the same sink.
	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	logger = observability.WithApp(logger, "imgarr")
	observability.SetDefault(logger)

	return nil
}

// mustBindPFlag binds a viper key to a cobra flag, panicking on the
// only failure mode, a nil flag, which is a programming error.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}

// loadConfig loads the typed configuration honoring the --config flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
