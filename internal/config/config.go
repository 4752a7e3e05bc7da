// Package config provides configuration management for imgarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultPoolWorkers     = 4
	defaultQueueSize       = 256
	defaultJobTimeout      = 30 * time.Second
	defaultScanMaxDepth    = 16
	defaultSpillThreshold  = 10000
	defaultMaxInputSize    = 512 * 1024 * 1024 // 512MB
	defaultFetchTimeout    = 30 * time.Second
	defaultFetchRetries    = 3
	defaultFetchRetryDelay = 1 * time.Second
	defaultFetchThreshold  = 5
	defaultFetchBreakerTTL = 30 * time.Second
	defaultWatchCron       = "0 */5 * * * *"   // every 5 minutes (6-field cron)
	defaultHeartbeat       = 10 * time.Second
	defaultHeartbeatGrace  = 30 * time.Second
	defaultRemoveTimeout   = 5 * time.Minute
	defaultConvertdPort    = 9090
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Transform TransformConfig `mapstructure:"transform"`
	Scan      ScanConfig      `mapstructure:"scan"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Output    OutputConfig    `mapstructure:"output"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Convertd  ConvertdConfig  `mapstructure:"convertd"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	// Workers is the number of concurrent conversion workers.
	Workers int `mapstructure:"workers"`
	// QueueSize bounds the pending job queue.
	QueueSize int `mapstructure:"queue_size"`
	// JobTimeout is the per-job processing deadline. A job past it is
	// reported as timed out and its worker's late reply is discarded.
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

// TransformConfig holds default transform options for runs that do
// not specify their own.
type TransformConfig struct {
	Backend   string `mapstructure:"backend"` // auto, native, accel
	MaxWidth  int    `mapstructure:"max_width"`
	MaxHeight int    `mapstructure:"max_height"`
	Grayscale bool   `mapstructure:"grayscale"`
}

// ScanConfig holds input scanning configuration.
type ScanConfig struct {
	Recursive      bool `mapstructure:"recursive"`
	MaxDepth       int  `mapstructure:"max_depth"`
	FollowSymlinks bool `mapstructure:"follow_symlinks"`
	// SpillThreshold is the candidate count above which listings move
	// from memory to a disk-backed slice.
	SpillThreshold int `mapstructure:"spill_threshold"`
	// MaxInputSize skips files larger than this.
	// Supports human-readable values like "512MB", "1GB", or raw byte counts.
	MaxInputSize ByteSize `mapstructure:"max_input_size"`
}

// FetchConfig holds remote input download configuration. URL inputs
// are fetched with retries and a per-host circuit breaker; the
// download size cap comes from scan.max_input_size.
type FetchConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	CircuitThreshold int           `mapstructure:"circuit_threshold"`
	CircuitTimeout   time.Duration `mapstructure:"circuit_timeout"`
}

// OutputConfig holds output writing configuration.
type OutputConfig struct {
	Dir         string `mapstructure:"dir"`
	TempDir     string `mapstructure:"temp_dir"` // empty = {dir}/.tmp
	Format      string `mapstructure:"format"`   // irf, png, jpeg
	Compression string `mapstructure:"compression"`
	Overwrite   bool   `mapstructure:"overwrite"`
}

// WatchConfig holds scheduled re-scan configuration.
type WatchConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Cron    string   `mapstructure:"cron"` // 6-field cron expression
	Inputs  []string `mapstructure:"inputs"`
}

// ConvertdConfig holds the coordinator side of remote conversion
// daemon support: the gRPC listener daemons dial into and the
// liveness windows applied to them.
type ConvertdConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	RemoveTimeout     time.Duration `mapstructure:"remove_timeout"`
	// AuthToken, when set, must be presented by daemons at registration.
	AuthToken string `mapstructure:"auth_token"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with IMGARR_ and use underscores
// for nesting. Example: IMGARR_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/imgarr")
		v.AddConfigPath("$HOME/.imgarr")
	}

	// Environment variable settings
	v.SetEnvPrefix("IMGARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Pool defaults
	v.SetDefault("pool.workers", defaultPoolWorkers)
	v.SetDefault("pool.queue_size", defaultQueueSize)
	v.SetDefault("pool.job_timeout", defaultJobTimeout)

	// Transform defaults
	v.SetDefault("transform.backend", "native")
	v.SetDefault("transform.max_width", 0) // 0 = unbounded
	v.SetDefault("transform.max_height", 0)
	v.SetDefault("transform.grayscale", false)

	// Scan defaults
	v.SetDefault("scan.recursive", true)
	v.SetDefault("scan.max_depth", defaultScanMaxDepth)
	v.SetDefault("scan.follow_symlinks", false)
	v.SetDefault("scan.spill_threshold", defaultSpillThreshold)
	v.SetDefault("scan.max_input_size", defaultMaxInputSize)

	// Fetch defaults
	v.SetDefault("fetch.enabled", true)
	v.SetDefault("fetch.timeout", defaultFetchTimeout)
	v.SetDefault("fetch.retry_attempts", defaultFetchRetries)
	v.SetDefault("fetch.retry_delay", defaultFetchRetryDelay)
	v.SetDefault("fetch.circuit_threshold", defaultFetchThreshold)
	v.SetDefault("fetch.circuit_timeout", defaultFetchBreakerTTL)

	// Output defaults
	v.SetDefault("output.dir", "./output")
	v.SetDefault("output.temp_dir", "")
	v.SetDefault("output.format", "irf")
	v.SetDefault("output.compression", "none")
	v.SetDefault("output.overwrite", false)

	// Watch defaults
	v.SetDefault("watch.enabled", false)
	v.SetDefault("watch.cron", defaultWatchCron)
	v.SetDefault("watch.inputs", []string{})

	// Convertd defaults
	v.SetDefault("convertd.enabled", false)
	v.SetDefault("convertd.host", "0.0.0.0")
	v.SetDefault("convertd.port", defaultConvertdPort)
	v.SetDefault("convertd.heartbeat_interval", defaultHeartbeat)
	v.SetDefault("convertd.heartbeat_timeout", defaultHeartbeatGrace)
	v.SetDefault("convertd.remove_timeout", defaultRemoveTimeout)
	v.SetDefault("convertd.auth_token", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	// Pool validation
	if c.Pool.Workers < 1 {
		return fmt.Errorf("pool.workers must be at least 1")
	}
	if c.Pool.QueueSize < 1 {
		return fmt.Errorf("pool.queue_size must be at least 1")
	}
	if c.Pool.JobTimeout <= 0 {
		return fmt.Errorf("pool.job_timeout must be positive")
	}

	// Transform validation
	validBackends := map[string]bool{"auto": true, "native": true, "accel": true}
	if !validBackends[c.Transform.Backend] {
		return fmt.Errorf("transform.backend must be one of: auto, native, accel")
	}
	if c.Transform.MaxWidth < 0 || c.Transform.MaxHeight < 0 {
		return fmt.Errorf("transform.max_width and transform.max_height must not be negative")
	}

	// Scan validation
	if c.Scan.MaxDepth < 1 {
		return fmt.Errorf("scan.max_depth must be at least 1")
	}

	// Fetch validation
	if c.Fetch.Enabled {
		if c.Fetch.Timeout <= 0 {
			return fmt.Errorf("fetch.timeout must be positive")
		}
		if c.Fetch.RetryAttempts < 0 {
			return fmt.Errorf("fetch.retry_attempts must not be negative")
		}
		if c.Fetch.CircuitThreshold < 1 {
			return fmt.Errorf("fetch.circuit_threshold must be at least 1")
		}
	}

	// Output validation
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir is required")
	}
	validFormats := map[string]bool{"irf": true, "png": true, "jpeg": true, "jpg": true}
	if !validFormats[c.Output.Format] {
		return fmt.Errorf("output.format must be one of: irf, png, jpeg")
	}
	validCompressions := map[string]bool{"none": true, "gzip": true, "xz": true}
	if !validCompressions[c.Output.Compression] {
		return fmt.Errorf("output.compression must be one of: none, gzip, xz")
	}

	// Convertd validation
	if c.Convertd.Enabled {
		if c.Convertd.Port < 1 || c.Convertd.Port > maxPort {
			return fmt.Errorf("convertd.port must be between 1 and %d", maxPort)
		}
		if c.Convertd.HeartbeatInterval <= 0 {
			return fmt.Errorf("convertd.heartbeat_interval must be positive")
		}
		if c.Convertd.HeartbeatTimeout <= c.Convertd.HeartbeatInterval {
			return fmt.Errorf("convertd.heartbeat_timeout must exceed convertd.heartbeat_interval")
		}
	}

	// Logging validation
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Address returns the convertd listener address in host:port format.
func (c *ConvertdConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TempPath returns the directory used for in-progress output files.
// If TempDir is set, returns it directly; otherwise returns {Dir}/.tmp.
func (c *OutputConfig) TempPath() string {
	if c.TempDir != "" {
		return c.TempDir
	}
	return fmt.Sprintf("%s/.tmp", c.Dir)
}
