package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

const (
	MinTimeout         = 1
	MaxTimeout         = 600
	MinMaxRequests     = 1
	MaxMaxRequests     = 100000
	MaxPerMilliseconds = 24 * 60 * 60 * 1000
	MaxRateRetries     = 100
	MinPollIntervalMs  = 1
	MaxPollIntervalMs  = 60000
	MinPollAttempts    = 1
	MaxPollAttempts    = 10000
	MinWorkers         = 1
	MaxWorkers         = 32

	EnvClientID     = "PAN123_CLIENT_ID"
	EnvClientSecret = "PAN123_CLIENT_SECRET"
	EnvDebugToken   = "PAN123_DEBUG_TOKEN"
	EnvConfigPath   = "PAN123_CONFIG"
)

// Config represents the main application configuration
type Config struct {
	ClientID     string          `toml:"client_id"`
	ClientSecret string          `toml:"client_secret"`
	BaseURL      string          `toml:"base_url"`
	Timeout      int             `toml:"timeout"`
	Loglevel     string          `toml:"loglevel"`
	Debug        bool            `toml:"debug"`
	DebugToken   string          `toml:"debug_token"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
	Upload       UploadConfig    `toml:"upload"`
	Mock         MockConfig      `toml:"mock"`
}

// RateLimitConfig holds the token bucket settings
type RateLimitConfig struct {
	MaxRequests     int   `toml:"max_requests"`
	PerMilliseconds int64 `toml:"per_milliseconds"`
	MaxRetries      int   `toml:"max_retries"`
}

// UploadConfig holds upload defaults
type UploadConfig struct {
	ParentFileID    int64    `toml:"parent_file_id"`
	PollIntervalMs  int      `toml:"poll_interval_ms"`
	MaxPollAttempts int      `toml:"max_poll_attempts"`
	Async           bool     `toml:"async"`
	Workers         int      `toml:"workers"`
	SkipPatterns    []string `toml:"skip_patterns"`
	// Mode is "auto", "single" or "multipart".
	Mode string `toml:"mode"`
	// Duplicate is 0 (server default), 1 (keep both) or 2 (overwrite).
	Duplicate int `toml:"duplicate"`
}

// MockConfig holds settings for the local mock API server
type MockConfig struct {
	BindAddress  string `toml:"bind_address"`
	Port         int    `toml:"port"`
	SliceSize    int64  `toml:"slice_size"`
	PendingPolls int    `toml:"pending_polls"`
}

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		BaseURL:  "https://open-api.123pan.com",
		Timeout:  30,
		Loglevel: "info",
		RateLimit: RateLimitConfig{
			MaxRequests:     100,
			PerMilliseconds: 60000,
			MaxRetries:      3,
		},
		Upload: UploadConfig{
			PollIntervalMs:  1000,
			MaxPollAttempts: 300,
			Workers:         2,
			SkipPatterns:    []string{".DS_Store", "Thumbs.db"},
			Mode:            "auto",
		},
		Mock: MockConfig{
			BindAddress: "127.0.0.1",
			Port:        8123,
			SliceSize:   4 << 20,
		},
	}
}

// DefaultConfigPath returns the configuration file path, honoring PAN123_CONFIG.
func DefaultConfigPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", "pan123", "config.toml"), nil
}

// Load loads configuration from a TOML file, then applies env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// LoadOptional is Load, except that a missing file yields the defaults plus
// env overrides.
func LoadOptional(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = DefaultConfig()
		cfg.ApplyEnv()
		return cfg, nil
	}
	return cfg, err
}

// ApplyEnv overrides credentials from the environment. A debug token from the
// environment also turns debug mode on.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvClientID); v != "" {
		c.ClientID = v
	}
	if v := os.Getenv(EnvClientSecret); v != "" {
		c.ClientSecret = v
	}
	if v := os.Getenv(EnvDebugToken); v != "" {
		c.DebugToken = v
		c.Debug = true
	}
}

// UsingDebugToken reports whether a pre-issued token replaces client credentials.
func (c *Config) UsingDebugToken() bool {
	return c.Debug && c.DebugToken != ""
}

// RequestTimeout is Timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// PollInterval is Upload.PollIntervalMs as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Upload.PollIntervalMs) * time.Millisecond
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !c.UsingDebugToken() {
		if c.ClientID == "" {
			return fmt.Errorf("client_id is required")
		}
		if c.ClientSecret == "" {
			return fmt.Errorf("client_secret is required")
		}
	}

	u, err := url.ParseRequestURI(c.BaseURL)
	if err != nil {
		return fmt.Errorf("base_url is invalid: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url must use http or https")
	}

	if _, err := logrus.ParseLevel(c.Loglevel); err != nil {
		return fmt.Errorf("loglevel must be one of: panic, fatal, error, warn, info, debug, trace")
	}
	if c.Timeout < MinTimeout || c.Timeout > MaxTimeout {
		return fmt.Errorf("timeout must be between %d and %d seconds", MinTimeout, MaxTimeout)
	}

	if c.RateLimit.MaxRequests < MinMaxRequests || c.RateLimit.MaxRequests > MaxMaxRequests {
		return fmt.Errorf("rate_limit.max_requests must be between %d and %d", MinMaxRequests, MaxMaxRequests)
	}
	if c.RateLimit.PerMilliseconds < 1 || c.RateLimit.PerMilliseconds > MaxPerMilliseconds {
		return fmt.Errorf("rate_limit.per_milliseconds must be between 1 and %d", MaxPerMilliseconds)
	}
	if c.RateLimit.MaxRetries < 0 || c.RateLimit.MaxRetries > MaxRateRetries {
		return fmt.Errorf("rate_limit.max_retries must be between 0 and %d", MaxRateRetries)
	}

	if c.Upload.ParentFileID < 0 {
		return fmt.Errorf("upload.parent_file_id must not be negative")
	}
	if c.Upload.PollIntervalMs < MinPollIntervalMs || c.Upload.PollIntervalMs > MaxPollIntervalMs {
		return fmt.Errorf("upload.poll_interval_ms must be between %d and %d", MinPollIntervalMs, MaxPollIntervalMs)
	}
	if c.Upload.MaxPollAttempts < MinPollAttempts || c.Upload.MaxPollAttempts > MaxPollAttempts {
		return fmt.Errorf("upload.max_poll_attempts must be between %d and %d", MinPollAttempts, MaxPollAttempts)
	}
	if c.Upload.Workers < MinWorkers || c.Upload.Workers > MaxWorkers {
		return fmt.Errorf("upload.workers must be between %d and %d", MinWorkers, MaxWorkers)
	}
	switch c.Upload.Mode {
	case "", "auto", "single", "multipart":
	default:
		return fmt.Errorf("upload.mode must be one of: auto, single, multipart")
	}
	if c.Upload.Duplicate < 0 || c.Upload.Duplicate > 2 {
		return fmt.Errorf("upload.duplicate must be 0, 1 or 2")
	}

	return nil
}

// ValidateMock checks the settings used by the mock-server command.
func (c *Config) ValidateMock() error {
	if c.Mock.Port < 0 || c.Mock.Port > 65535 {
		return fmt.Errorf("mock.port must be between 0 and 65535")
	}
	if c.Mock.SliceSize <= 0 {
		return fmt.Errorf("mock.slice_size must be positive")
	}
	if c.Mock.PendingPolls < 0 {
		return fmt.Errorf("mock.pending_polls must not be negative")
	}
	return nil
}
