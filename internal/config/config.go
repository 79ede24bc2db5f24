package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/taskfolk/syncline/internal/retry"
)

// Config holds all environment-based configuration for syncline.
type Config struct {
	// Remote endpoints and credentials (required).
	APIBaseURL string `env:"SYNCLINE_API_URL"`
	SocketURL  string `env:"SYNCLINE_SOCKET_URL"`
	AuthToken  string `env:"SYNCLINE_AUTH_TOKEN"`

	// Device identity sent in the socket handshake. Defaults to hostname.
	DeviceID string `env:"SYNCLINE_DEVICE_ID"`

	// Socket client tuning.
	HeartbeatInterval    time.Duration `env:"SYNCLINE_HEARTBEAT_INTERVAL" envDefault:"30s"`
	ReconnectBaseDelay   time.Duration `env:"SYNCLINE_RECONNECT_BASE_DELAY" envDefault:"3s"`
	ReconnectMaxDelay    time.Duration `env:"SYNCLINE_RECONNECT_MAX_DELAY" envDefault:"30s"`
	MaxReconnectAttempts int           `env:"SYNCLINE_MAX_RECONNECT_ATTEMPTS" envDefault:"5"`

	// Retry policy for remote calls.
	RetryBaseDelay   time.Duration `env:"SYNCLINE_RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMaxDelay    time.Duration `env:"SYNCLINE_RETRY_MAX_DELAY" envDefault:"30s"`
	RetryFactor      float64       `env:"SYNCLINE_RETRY_FACTOR" envDefault:"2"`
	RetryMaxAttempts int           `env:"SYNCLINE_RETRY_MAX_ATTEMPTS" envDefault:"3"`
	AttemptTimeout   time.Duration `env:"SYNCLINE_ATTEMPT_TIMEOUT" envDefault:"10s"`

	// Cache and sync cadence.
	CacheFreshness time.Duration `env:"SYNCLINE_CACHE_FRESHNESS" envDefault:"24h"`
	SyncInterval   time.Duration `env:"SYNCLINE_SYNC_INTERVAL" envDefault:"30s"`

	// Connectivity probing. An empty probe URL defaults to the API health
	// endpoint. The resolver file is watched for changes that warrant an
	// immediate re-probe.
	ProbeURL      string        `env:"SYNCLINE_PROBE_URL"`
	ProbeInterval time.Duration `env:"SYNCLINE_PROBE_INTERVAL" envDefault:"15s"`
	ResolvFile    string        `env:"SYNCLINE_RESOLV_FILE" envDefault:"/etc/resolv.conf"`

	// Durable state. An empty path defaults to ~/.syncline/state.db. The
	// secret, when set, seals stored values at rest.
	StatePath   string `env:"SYNCLINE_STATE_PATH"`
	StateSecret string `env:"SYNCLINE_STATE_SECRET"`

	// Optional collection catalog override.
	CatalogFile string `env:"SYNCLINE_CATALOG_FILE"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceID == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "syncline"
		}

		cfg.DeviceID = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.ProbeURL == "" {
		cfg.ProbeURL = cfg.APIBaseURL + "/health"
	}

	if cfg.StatePath == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("SYNCLINE_API_URL is required")
	}

	if c.SocketURL == "" {
		return fmt.Errorf("SYNCLINE_SOCKET_URL is required")
	}

	if c.AuthToken == "" {
		return fmt.Errorf("SYNCLINE_AUTH_TOKEN is required")
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("SYNCLINE_HEARTBEAT_INTERVAL must be positive")
	}

	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("SYNCLINE_RECONNECT_MAX_DELAY must be at least SYNCLINE_RECONNECT_BASE_DELAY, both positive")
	}

	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("SYNCLINE_MAX_RECONNECT_ATTEMPTS must not be negative")
	}

	if c.RetryFactor < 1 {
		return fmt.Errorf("SYNCLINE_RETRY_FACTOR must be at least 1")
	}

	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("SYNCLINE_RETRY_MAX_ATTEMPTS must be at least 1")
	}

	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("SYNCLINE_RETRY_MAX_DELAY must be at least SYNCLINE_RETRY_BASE_DELAY, both positive")
	}

	if c.CacheFreshness <= 0 {
		return fmt.Errorf("SYNCLINE_CACHE_FRESHNESS must be positive")
	}

	if c.SyncInterval <= 0 {
		return fmt.Errorf("SYNCLINE_SYNC_INTERVAL must be positive")
	}

	if c.ProbeInterval <= 0 {
		return fmt.Errorf("SYNCLINE_PROBE_INTERVAL must be positive")
	}

	return nil
}

// DefaultStatePath returns the default durable store location:
// ~/.syncline/state.db
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".syncline", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// RetryConfig assembles the retry policy for API calls from the
// SYNCLINE_RETRY_* settings.
func (c *Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:    c.RetryMaxAttempts,
		BaseDelay:      c.RetryBaseDelay,
		MaxDelay:       c.RetryMaxDelay,
		Factor:         c.RetryFactor,
		AttemptTimeout: c.AttemptTimeout,
	}
}
