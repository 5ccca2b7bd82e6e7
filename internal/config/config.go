// Package config loads the dashboard configuration. Environment variables
// are the base layer (a local .env is honored in development); a YAML file,
// when present, overrides them.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full dashboard configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backend   BackendConfig   `yaml:"backend"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Vault     VaultConfig     `yaml:"vault"`
	Store     StoreConfig     `yaml:"store"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retry     RetryConfig     `yaml:"retry"`
	LogLevel  string          `yaml:"log_level" env:"DASHBOARD_LOG_LEVEL,default=info"`
}

// ServerConfig configures the local HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr" env:"DASHBOARD_ADDR,default=:8080"`
}

// BackendConfig points at the payment platform REST API.
type BackendConfig struct {
	BaseURL string        `yaml:"base_url" env:"DASHBOARD_BACKEND_URL"`
	Timeout time.Duration `yaml:"timeout" env:"DASHBOARD_BACKEND_TIMEOUT,default=30s"`
}

// RealtimeConfig configures the push channel and reconciliation sweep.
type RealtimeConfig struct {
	URL           string `yaml:"url" env:"DASHBOARD_REALTIME_URL"`
	ResyncSpec    string `yaml:"resync_spec" env:"DASHBOARD_RESYNC_SPEC,default=@every 5m"`
	Enabled       bool   `yaml:"enabled" env:"DASHBOARD_REALTIME_ENABLED,default=true"`
	HeartbeatSecs int    `yaml:"heartbeat_seconds" env:"DASHBOARD_REALTIME_HEARTBEAT,default=30"`
}

// VaultConfig selects how the session credential is persisted.
// Backend is one of memory, encrypted, redis.
type VaultConfig struct {
	Backend    string `yaml:"backend" env:"DASHBOARD_VAULT_BACKEND,default=memory"`
	Passphrase string `yaml:"passphrase" env:"DASHBOARD_VAULT_PASSPHRASE"`
	BlobPath   string `yaml:"blob_path" env:"DASHBOARD_VAULT_BLOB_PATH"`
	RedisURL   string `yaml:"redis_url" env:"DASHBOARD_VAULT_REDIS_URL"`
	RedisKey   string `yaml:"redis_key" env:"DASHBOARD_VAULT_REDIS_KEY,default=dashboard:session"`
}

// StoreConfig bounds the entity store.
type StoreConfig struct {
	HistoryCap int `yaml:"history_cap" env:"DASHBOARD_HISTORY_CAP,default=256"`
}

// RateLimitConfig bounds local request admission.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"DASHBOARD_RATE_RPS,default=10"`
	Burst             int     `yaml:"burst" env:"DASHBOARD_RATE_BURST,default=20"`
}

// RetryConfig bounds the client's transient-failure budget.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"DASHBOARD_RETRY_ATTEMPTS,default=4"`
	BaseBackoff time.Duration `yaml:"base_backoff" env:"DASHBOARD_RETRY_BASE,default=250ms"`
	MaxBackoff  time.Duration `yaml:"max_backoff" env:"DASHBOARD_RETRY_MAX,default=10s"`
}

// Load reads configuration from the environment, then applies the YAML file
// named by DASHBOARD_CONFIG_FILE when set.
func Load() (*Config, error) {
	// Missing .env is fine; it only exists in development.
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if path := os.Getenv("DASHBOARD_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromPath reads environment configuration and applies the given YAML
// file.
func LoadFromPath(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := applyFile(&cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Default returns a configuration suitable for local development against a
// backend on localhost.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Addr: ":8080"},
		Backend: BackendConfig{BaseURL: "http://localhost:4000", Timeout: 30 * time.Second},
		Realtime: RealtimeConfig{
			URL:           "ws://localhost:4000/realtime",
			ResyncSpec:    "@every 5m",
			Enabled:       true,
			HeartbeatSecs: 30,
		},
		Vault:     VaultConfig{Backend: "memory", RedisKey: "dashboard:session"},
		Store:     StoreConfig{HistoryCap: 256},
		RateLimit: RateLimitConfig{RequestsPerSecond: 10, Burst: 20},
		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseBackoff: 250 * time.Millisecond,
			MaxBackoff:  10 * time.Second,
		},
		LogLevel: "info",
	}
}

// Validate rejects configurations the application cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return fmt.Errorf("backend base_url is required")
	}
	switch c.Vault.Backend {
	case "", "memory":
	case "encrypted":
		if c.Vault.Passphrase == "" {
			return fmt.Errorf("vault backend %q requires a passphrase", c.Vault.Backend)
		}
		if c.Vault.BlobPath == "" {
			return fmt.Errorf("vault backend %q requires a blob path", c.Vault.Backend)
		}
	case "redis":
		if c.Vault.RedisURL == "" {
			return fmt.Errorf("vault backend %q requires a redis url", c.Vault.Backend)
		}
	default:
		return fmt.Errorf("unknown vault backend %q", c.Vault.Backend)
	}
	if c.Store.HistoryCap <= 0 {
		return fmt.Errorf("store history_cap must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max_attempts must be positive")
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit requires positive requests_per_second and burst")
	}
	return nil
}
