package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Pool: PoolConfig{
			Workers:    4,
			QueueSize:  256,
			JobTimeout: 30 * time.Second,
		},
		Transform: TransformConfig{Backend: "native"},
		Scan: ScanConfig{
			MaxDepth:       16,
			SpillThreshold: 10000,
		},
		Output: OutputConfig{
			Dir:         "./output",
			Format:      "irf",
			Compression: "none",
		},
		Convertd: ConvertdConfig{
			Port:              9090,
			HeartbeatInterval: 10 * time.Second,
			HeartbeatTimeout:  30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

func TestLoad_Defaults(t *testing.T) {
	// Load without config file should use defaults
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Server defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)

	// Pool defaults
	assert.Equal(t, 4, cfg.Pool.Workers)
	assert.Equal(t, 256, cfg.Pool.QueueSize)
	assert.Equal(t, 30*time.Second, cfg.Pool.JobTimeout)

	// Transform defaults
	assert.Equal(t, "native", cfg.Transform.Backend)
	assert.Equal(t, 0, cfg.Transform.MaxWidth)
	assert.Equal(t, 0, cfg.Transform.MaxHeight)
	assert.False(t, cfg.Transform.Grayscale)

	// Scan defaults
	assert.True(t, cfg.Scan.Recursive)
	assert.Equal(t, 16, cfg.Scan.MaxDepth)
	assert.False(t, cfg.Scan.FollowSymlinks)
	assert.Equal(t, 10000, cfg.Scan.SpillThreshold)
	assert.Equal(t, int64(512*1024*1024), cfg.Scan.MaxInputSize.Bytes())

	// Fetch defaults
	assert.True(t, cfg.Fetch.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 3, cfg.Fetch.RetryAttempts)
	assert.Equal(t, 1*time.Second, cfg.Fetch.RetryDelay)
	assert.Equal(t, 5, cfg.Fetch.CircuitThreshold)
	assert.Equal(t, 30*time.Second, cfg.Fetch.CircuitTimeout)

	// Output defaults
	assert.Equal(t, "./output", cfg.Output.Dir)
	assert.Equal(t, "irf", cfg.Output.Format)
	assert.Equal(t, "none", cfg.Output.Compression)
	assert.False(t, cfg.Output.Overwrite)

	// Convertd defaults
	assert.False(t, cfg.Convertd.Enabled)
	assert.Equal(t, 9090, cfg.Convertd.Port)
	assert.Equal(t, 10*time.Second, cfg.Convertd.HeartbeatInterval)

	// Logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_FromFile(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  host: "127.0.0.1"
  port: 9191
  read_timeout: 60s

pool:
  workers: 8
  job_timeout: 45s

transform:
  backend: "accel"
  max_width: 1920
  max_height: 1080
  grayscale: true

output:
  dir: "/var/lib/imgarr/output"
  format: "png"

logging:
  level: "debug"
  format: "text"
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check file values were loaded
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 8, cfg.Pool.Workers)
	assert.Equal(t, 45*time.Second, cfg.Pool.JobTimeout)
	assert.Equal(t, "accel", cfg.Transform.Backend)
	assert.Equal(t, 1920, cfg.Transform.MaxWidth)
	assert.Equal(t, 1080, cfg.Transform.MaxHeight)
	assert.True(t, cfg.Transform.Grayscale)
	assert.Equal(t, "/var/lib/imgarr/output", cfg.Output.Dir)
	assert.Equal(t, "png", cfg.Output.Format)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_EnvOverride(t *testing.T) {
	// Set environment variables
	t.Setenv("IMGARR_SERVER_PORT", "3000")
	t.Setenv("IMGARR_POOL_WORKERS", "12")
	t.Setenv("IMGARR_TRANSFORM_BACKEND", "accel")
	t.Setenv("IMGARR_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check env overrides
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 12, cfg.Pool.Workers)
	assert.Equal(t, "accel", cfg.Transform.Backend)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 8080
pool:
  workers: 2
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	// Set env var to override file
	t.Setenv("IMGARR_SERVER_PORT", "9000")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Env should override file
	assert.Equal(t, 9000, cfg.Server.Port)
	// File value should be preserved
	assert.Equal(t, 2, cfg.Pool.Workers)
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validTestConfig()
	err := cfg.Validate()
	assert.NoError(t, err)
}

func TestValidate_InvalidPort(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"zero port", 0},
		{"negative port", -1},
		{"port too high", 70000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			cfg.Server.Port = tt.port
			err := cfg.Validate()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), "server.port")
		})
	}
}

func TestValidate_PoolConfig(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		errContains string
	}{
		{"zero workers", func(c *Config) { c.Pool.Workers = 0 }, "pool.workers"},
		{"negative workers", func(c *Config) { c.Pool.Workers = -1 }, "pool.workers"},
		{"zero queue size", func(c *Config) { c.Pool.QueueSize = 0 }, "pool.queue_size"},
		{"zero job timeout", func(c *Config) { c.Pool.JobTimeout = 0 }, "pool.job_timeout"},
		{"negative job timeout", func(c *Config) { c.Pool.JobTimeout = -time.Second }, "pool.job_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestValidate_TransformConfig(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		errContains string
	}{
		{"unknown backend", func(c *Config) { c.Transform.Backend = "gpu" }, "transform.backend"},
		{"empty backend", func(c *Config) { c.Transform.Backend = "" }, "transform.backend"},
		{"negative max width", func(c *Config) { c.Transform.MaxWidth = -1 }, "transform.max_width"},
		{"negative max height", func(c *Config) { c.Transform.MaxHeight = -50 }, "transform.max_width"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestValidate_AllBackends(t *testing.T) {
	backends := []string{"auto", "native", "accel"}

	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			cfg := validTestConfig()
			cfg.Transform.Backend = backend
			err := cfg.Validate()
			assert.NoError(t, err)
		})
	}
}

func TestValidate_OutputConfig(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		errContains string
	}{
		{"empty dir", func(c *Config) { c.Output.Dir = "" }, "output.dir"},
		{"unknown format", func(c *Config) { c.Output.Format = "tga" }, "output.format"},
		{"unknown compression", func(c *Config) { c.Output.Compression = "zstd" }, "output.compression"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestValidate_FetchConfig(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		errContains string
	}{
		{"zero timeout", func(c *Config) { c.Fetch.Timeout = 0 }, "fetch.timeout"},
		{"negative retries", func(c *Config) { c.Fetch.RetryAttempts = -1 }, "fetch.retry_attempts"},
		{"zero circuit threshold", func(c *Config) { c.Fetch.CircuitThreshold = 0 }, "fetch.circuit_threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			cfg.Fetch = FetchConfig{
				Enabled:          true,
				Timeout:          30 * time.Second,
				RetryAttempts:    3,
				CircuitThreshold: 5,
			}
			tt.modify(cfg)
			err := cfg.Validate()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestValidate_FetchDisabledSkipsChecks(t *testing.T) {
	cfg := validTestConfig()
	cfg.Fetch.Enabled = false
	cfg.Fetch.Timeout = 0
	err := cfg.Validate()
	assert.NoError(t, err)
}

func TestValidate_ConvertdConfig(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		errContains string
	}{
		{"invalid port", func(c *Config) { c.Convertd.Port = 0 }, "convertd.port"},
		{"zero heartbeat interval", func(c *Config) { c.Convertd.HeartbeatInterval = 0 }, "convertd.heartbeat_interval"},
		{"timeout below interval", func(c *Config) { c.Convertd.HeartbeatTimeout = 5 * time.Second }, "convertd.heartbeat_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			cfg.Convertd.Enabled = true
			tt.modify(cfg)
			err := cfg.Validate()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestValidate_ConvertdDisabledSkipsChecks(t *testing.T) {
	// A disabled convertd section is not validated
	cfg := validTestConfig()
	cfg.Convertd.Enabled = false
	cfg.Convertd.Port = 0
	err := cfg.Validate()
	assert.NoError(t, err)
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := validTestConfig()
	cfg.Logging.Level = "invalid"
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := validTestConfig()
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "logging.format")
}

func TestServerConfig_Address(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		port     int
		expected string
	}{
		{"localhost", "127.0.0.1", 8080, "127.0.0.1:8080"},
		{"all interfaces", "0.0.0.0", 3000, "0.0.0.0:3000"},
		{"hostname", "example.com", 443, "example.com:443"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &ServerConfig{Host: tt.host, Port: tt.port}
			assert.Equal(t, tt.expected, cfg.Address())
		})
	}
}

func TestOutputConfig_TempPath(t *testing.T) {
	cfg := &OutputConfig{Dir: "/var/lib/imgarr/output"}
	assert.Equal(t, "/var/lib/imgarr/output/.tmp", cfg.TempPath())

	cfg.TempDir = "/fast/scratch"
	assert.Equal(t, "/fast/scratch", cfg.TempPath())
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	// Create an invalid YAML file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidContent := `
server:
  port: "not a number"
  invalid yaml structure
`
	err := os.WriteFile(configPath, []byte(invalidContent), 0o600)
	require.NoError(t, err)

	_, err = Load(configPath)
	assert.Error(t, err)
}

func TestLoad_NonExistentFile(t *testing.T) {
	// Specifying a non-existent file should fail
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}
