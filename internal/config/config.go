// Package config provides configuration loading for the safeguard daemon.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds all safeguard core configuration.
type Config struct {
	// Postgres connection URL for the durable approval store.
	PostgresDSN string `json:"postgres_dsn"`

	// Redis address for the encrypted secret keystore (default "localhost:6379").
	RedisAddr string `json:"redis_addr"`
	// Redis logical database (default 0).
	RedisDB int `json:"redis_db,omitempty"`

	// Hex-encoded 32-byte key for keystore at-rest encryption.
	KeystoreKey string `json:"keystore_key,omitempty"`

	// Approval request validity in minutes (default 60).
	DefaultTTLMinutes int `json:"default_ttl_minutes"`

	// Execution delay per security level in hours (default {L3:24, L4:48}).
	DefaultDelayHours map[string]int `json:"default_delay_hours,omitempty"`

	// Sweeper cadence: Go duration or cron expression (default "30s").
	SweepCadence string `json:"sweep_cadence"`

	// Listen address for metrics/health (default ":9090").
	ListenAddr string `json:"listen_addr"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`

	// OTLP gRPC endpoint for tracing; empty disables tracing.
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		RedisAddr:         "localhost:6379",
		DefaultTTLMinutes: 60,
		DefaultDelayHours: map[string]int{"L3": 24, "L4": 48},
		SweepCadence:      "30s",
		ListenAddr:        ":9090",
		LogLevel:          "info",
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("SAFEGUARD_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("SAFEGUARD_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("SAFEGUARD_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse SAFEGUARD_REDIS_DB: %w", err)
		}
		cfg.RedisDB = db
	}
	if v := os.Getenv("SAFEGUARD_KEYSTORE_KEY"); v != "" {
		cfg.KeystoreKey = v
	}
	if v := os.Getenv("SAFEGUARD_DEFAULT_TTL_MINUTES"); v != "" {
		ttl, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse SAFEGUARD_DEFAULT_TTL_MINUTES: %w", err)
		}
		cfg.DefaultTTLMinutes = ttl
	}
	if v := os.Getenv("SAFEGUARD_SWEEP_CADENCE"); v != "" {
		cfg.SweepCadence = v
	}
	if v := os.Getenv("SAFEGUARD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SAFEGUARD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SAFEGUARD_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}

	return cfg, nil
}

// Validate checks that required settings are present and well-formed.
func (c Config) Validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("postgres_dsn is required")
	}
	if c.DefaultTTLMinutes <= 0 {
		return fmt.Errorf("default_ttl_minutes must be > 0")
	}
	if c.KeystoreKey != "" {
		if _, err := c.KeystoreKeyBytes(); err != nil {
			return err
		}
	}
	return nil
}

// KeystoreKeyBytes decodes the hex-encoded keystore key.
func (c Config) KeystoreKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.KeystoreKey)
	if err != nil {
		return nil, fmt.Errorf("keystore_key must be hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("keystore_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
