package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for tradeyard-sync.
type Config struct {
	// Marketplace backend endpoints.
	APIBaseURL string `env:"TRADEYARD_API_URL"`
	SocketURL  string `env:"TRADEYARD_SOCKET_URL"`

	// Account credentials. Either a bearer token (directly or via a token
	// file refreshed by an external process) or email+password for signin.
	Token     string `env:"TRADEYARD_TOKEN"`
	TokenFile string `env:"TRADEYARD_TOKEN_FILE"`
	Email     string `env:"TRADEYARD_EMAIL"`
	Password  string `env:"TRADEYARD_PASSWORD"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Directory for the local state database. Defaults to ~/.tradeyard-sync.
	StateDir string `env:"TRADEYARD_STATE_DIR"`

	// Polling cadence. Message polling widens to MessagePoll when the push
	// channel is connected and tightens to MessagePollPullOnly after the
	// channel degrades.
	ConversationPoll    time.Duration `env:"POLL_CONVERSATIONS" envDefault:"5s"`
	MessagePoll         time.Duration `env:"POLL_MESSAGES" envDefault:"10s"`
	MessagePollPullOnly time.Duration `env:"POLL_MESSAGES_PULL_ONLY" envDefault:"3s"`
	NotificationPoll    time.Duration `env:"POLL_NOTIFICATIONS" envDefault:"30s"`

	// Push-channel reconnection: fixed delay, bounded attempts. Exhausting
	// the attempts puts the session into pull-only mode.
	ReconnectDelay    time.Duration `env:"RECONNECT_DELAY" envDefault:"3s"`
	ReconnectAttempts int           `env:"RECONNECT_ATTEMPTS" envDefault:"5"`

	// Optional YAML file overriding the polling cadence at runtime.
	TuningFile string `env:"TUNING_FILE"`

	// Optional listen address for /metrics and /healthz. Empty disables.
	MetricsAddr string `env:"METRICS_ADDR"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// tuning mirrors the YAML overrides file. Zero values leave the
// corresponding Config field untouched.
type tuning struct {
	ConversationPoll    time.Duration `yaml:"conversations"`
	MessagePoll         time.Duration `yaml:"messages"`
	MessagePollPullOnly time.Duration `yaml:"messages_pull_only"`
	NotificationPoll    time.Duration `yaml:"notifications"`
	ReconnectDelay      time.Duration `yaml:"reconnect_delay"`
	ReconnectAttempts   int           `yaml:"reconnect_attempts"`
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars,
// then applies the tuning file overrides if one is configured.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "tradeyard-sync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.StateDir = filepath.Join(home, ".tradeyard-sync")
	}

	if cfg.TuningFile != "" {
		if err := cfg.applyTuning(cfg.TuningFile); err != nil {
			return nil, fmt.Errorf("applying tuning file: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyTuning reads the YAML overrides file and applies non-zero values.
func (c *Config) applyTuning(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var t tuning
	if err := yaml.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}

	if t.ConversationPoll > 0 {
		c.ConversationPoll = t.ConversationPoll
	}

	if t.MessagePoll > 0 {
		c.MessagePoll = t.MessagePoll
	}

	if t.MessagePollPullOnly > 0 {
		c.MessagePollPullOnly = t.MessagePollPullOnly
	}

	if t.NotificationPoll > 0 {
		c.NotificationPoll = t.NotificationPoll
	}

	if t.ReconnectDelay > 0 {
		c.ReconnectDelay = t.ReconnectDelay
	}

	if t.ReconnectAttempts > 0 {
		c.ReconnectAttempts = t.ReconnectAttempts
	}

	return nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("TRADEYARD_API_URL is required")
	}

	if c.SocketURL == "" {
		return fmt.Errorf("TRADEYARD_SOCKET_URL is required")
	}

	hasToken := c.Token != "" || c.TokenFile != ""
	hasLogin := c.Email != "" && c.Password != ""

	if !hasToken && !hasLogin {
		return fmt.Errorf("credentials required: set TRADEYARD_TOKEN, TRADEYARD_TOKEN_FILE, or TRADEYARD_EMAIL and TRADEYARD_PASSWORD")
	}

	if c.Email != "" && c.Password == "" {
		return fmt.Errorf("TRADEYARD_PASSWORD is required when TRADEYARD_EMAIL is set")
	}

	if c.ConversationPoll <= 0 || c.MessagePoll <= 0 || c.MessagePollPullOnly <= 0 || c.NotificationPoll <= 0 {
		return fmt.Errorf("polling intervals must be positive")
	}

	if c.ReconnectDelay <= 0 || c.ReconnectAttempts <= 0 {
		return fmt.Errorf("reconnect delay and attempts must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
