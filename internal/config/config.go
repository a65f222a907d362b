package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Env var names that override the gateway URLs, so dev and prod builds can
// point at different gateways without editing the config file.
const (
	EnvAPIBaseURL = "CHATSYNC_API_URL"
	EnvWSBaseURL  = "CHATSYNC_WS_URL"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	APIBaseURL     string `toml:"api_base_url"`
	WSBaseURL      string `toml:"ws_base_url"`
	// TokenEnv names the environment variable holding the bearer token.
	// The engine never mints tokens; it only reads this one.
	TokenEnv string `toml:"token_env"`
	// AssistantBotID is the sender identity excluded from the sidebar
	// projection.
	AssistantBotID string `toml:"assistant_bot_id"`
	// MetricsAddr enables the Prometheus listener when non-empty.
	MetricsAddr string `toml:"metrics_addr"`
}

// Load reads config from the given path and applies env overrides.
// Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return &cfg, nil
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

// Token reads the bearer token from the configured environment variable.
func (c *Config) Token() string {
	name := c.TokenEnv
	if name == "" {
		name = "CHATSYNC_TOKEN"
	}
	return os.Getenv(name)
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIBaseURL); v != "" {
		c.APIBaseURL = v
	}
	if v := os.Getenv(EnvWSBaseURL); v != "" {
		c.WSBaseURL = v
	}
}
