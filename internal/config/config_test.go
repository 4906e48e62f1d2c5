package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.DefaultTTLMinutes != 60 {
		t.Errorf("ttl default = %d, want 60", cfg.DefaultTTLMinutes)
	}
	if cfg.DefaultDelayHours["L3"] != 24 || cfg.DefaultDelayHours["L4"] != 48 {
		t.Errorf("delay defaults = %v", cfg.DefaultDelayHours)
	}
	if cfg.SweepCadence != "30s" {
		t.Errorf("sweep cadence = %q", cfg.SweepCadence)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"postgres_dsn": "postgres://file/db",
		"default_ttl_minutes": 30,
		"default_delay_hours": {"L3": 12, "L4": 72}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SAFEGUARD_POSTGRES_DSN", "postgres://env/db")
	t.Setenv("SAFEGUARD_DEFAULT_TTL_MINUTES", "15")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PostgresDSN != "postgres://env/db" {
		t.Errorf("env must win over file, got %q", cfg.PostgresDSN)
	}
	if cfg.DefaultTTLMinutes != 15 {
		t.Errorf("ttl = %d, want 15", cfg.DefaultTTLMinutes)
	}
	if cfg.DefaultDelayHours["L4"] != 72 {
		t.Errorf("file delay table lost: %v", cfg.DefaultDelayHours)
	}
}

func TestLoadBadEnvInt(t *testing.T) {
	t.Setenv("SAFEGUARD_DEFAULT_TTL_MINUTES", "soon")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for non-numeric ttl")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error without postgres_dsn")
	}

	cfg.PostgresDSN = "postgres://localhost/safeguard"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg.KeystoreKey = "zz"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "hex") {
		t.Fatalf("expected hex error, got %v", err)
	}
}

func TestKeystoreKeyBytes(t *testing.T) {
	cfg := Default()
	cfg.KeystoreKey = hex.EncodeToString(make([]byte, 32))
	key, err := cfg.KeystoreKeyBytes()
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("key length = %d", len(key))
	}

	cfg.KeystoreKey = hex.EncodeToString(make([]byte, 16))
	if _, err := cfg.KeystoreKeyBytes(); err == nil {
		t.Fatal("expected error for short key")
	}
}
