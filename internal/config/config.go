package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.mutabaka/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	APIBaseURL     string `toml:"api_base_url"`
	WSBaseURL      string `toml:"ws_base_url"`
	TenantHost     string `toml:"tenant_host"`

	Inbox        Endpoint `toml:"inbox"`
	Conversation Endpoint `toml:"conversation"`
}

// Endpoint tunes one socket endpoint's heartbeat and reconnect behavior.
type Endpoint struct {
	HeartbeatSeconds    int     `toml:"heartbeat_seconds"`
	InitialDelayMillis  int     `toml:"initial_delay_ms"`
	BackoffFactor       float64 `toml:"backoff_factor"`
	MaxDelayMillis      int     `toml:"max_delay_ms"`
	MaxAttempts         int     `toml:"max_attempts"`
	MissingTokenSeconds int     `toml:"missing_token_seconds"`
}

// Heartbeat returns the heartbeat interval as a duration.
func (e Endpoint) Heartbeat() time.Duration {
	return time.Duration(e.HeartbeatSeconds) * time.Second
}

// InitialDelay returns the first reconnect delay.
func (e Endpoint) InitialDelay() time.Duration {
	return time.Duration(e.InitialDelayMillis) * time.Millisecond
}

// MaxDelay returns the backoff ceiling.
func (e Endpoint) MaxDelay() time.Duration {
	return time.Duration(e.MaxDelayMillis) * time.Millisecond
}

// MissingTokenDelay returns the fixed retry delay used when no auth token is
// available; this path does not count against the attempt counter.
func (e Endpoint) MissingTokenDelay() time.Duration {
	return time.Duration(e.MissingTokenSeconds) * time.Second
}

// Default returns the built-in configuration. The inbox socket heartbeats
// aggressively and backs off slowly; a conversation socket retries faster
// because the user is looking at it.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Inbox: Endpoint{
			HeartbeatSeconds:    10,
			InitialDelayMillis:  3000,
			BackoffFactor:       1.8,
			MaxDelayMillis:      30000,
			MaxAttempts:         6,
			MissingTokenSeconds: 5,
		},
		Conversation: Endpoint{
			HeartbeatSeconds:    25,
			InitialDelayMillis:  500,
			BackoffFactor:       1.8,
			MaxDelayMillis:      5000,
			MaxAttempts:         8,
			MissingTokenSeconds: 5,
		},
	}
}

// Load reads config from the given path, overlaying the defaults.
// Returns defaults and the error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return Default(), err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
