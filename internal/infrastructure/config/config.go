package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/logging"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Preview   PreviewConfig
	Sandbox   SandboxConfig
	Capture   CaptureConfig
	Executor  ExecutorConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           string   `envconfig:"PORT" default:"8000"`
	Host           string   `envconfig:"HOST" default:"0.0.0.0"`
	AllowedOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
}

// PreviewConfig holds preview surface configuration.
type PreviewConfig struct {
	// BackendURL is exposed to sandboxed documents and used by the executor
	BackendURL     string        `envconfig:"PREVIEW_BACKEND_URL" default:""`
	Debounce       time.Duration `envconfig:"PREVIEW_DEBOUNCE" default:"500ms"`
	ConsoleHistory int           `envconfig:"CONSOLE_HISTORY" default:"500"`
}

// SandboxConfig holds render target limits.
type SandboxConfig struct {
	Timeout time.Duration `envconfig:"SANDBOX_TIMEOUT" default:"5s"`
}

// CaptureConfig holds ephemeral capture configuration.
type CaptureConfig struct {
	Settle        time.Duration `envconfig:"CAPTURE_SETTLE" default:"300ms"`
	AttachTimeout time.Duration `envconfig:"CAPTURE_ATTACH_TIMEOUT" default:"3s"`
	// RequestsPerSecond caps captures across all clients
	RequestsPerSecond int `envconfig:"CAPTURE_RPS" default:"4"`
}

// ExecutorConfig holds code execution backend client configuration.
type ExecutorConfig struct {
	RequestsPerSecond float64       `envconfig:"EXECUTOR_RPS" default:"5"`
	Timeout           time.Duration `envconfig:"EXECUTOR_TIMEOUT" default:"30s"`
	Retries           int           `envconfig:"EXECUTOR_RETRIES" default:"2"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate rejects values the services cannot run with.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid config: LOG_LEVEL: %w", err)
	}
	switch {
	case c.Preview.Debounce < 0:
		return fmt.Errorf("invalid config: PREVIEW_DEBOUNCE must not be negative")
	case c.Sandbox.Timeout <= 0:
		return fmt.Errorf("invalid config: SANDBOX_TIMEOUT must be positive")
	case c.Capture.AttachTimeout <= 0:
		return fmt.Errorf("invalid config: CAPTURE_ATTACH_TIMEOUT must be positive")
	case c.Capture.RequestsPerSecond <= 0:
		return fmt.Errorf("invalid config: CAPTURE_RPS must be positive")
	case c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0:
		return fmt.Errorf("invalid config: RATE_LIMIT_RPS must be positive when rate limiting is enabled")
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8000",
			Host:           "0.0.0.0",
			AllowedOrigins: []string{"*"},
		},
		Preview: PreviewConfig{
			Debounce:       500 * time.Millisecond,
			ConsoleHistory: 500,
		},
		Sandbox: SandboxConfig{
			Timeout: 5 * time.Second,
		},
		Capture: CaptureConfig{
			Settle:            300 * time.Millisecond,
			AttachTimeout:     3 * time.Second,
			RequestsPerSecond: 4,
		},
		Executor: ExecutorConfig{
			RequestsPerSecond: 5,
			Timeout:           30 * time.Second,
			Retries:           2,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
