package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseTOMLAppliesDefaults(t *testing.T) {
	data := []byte(`
client_id = "id"
client_secret = "secret"
verbosity_level = 2

[sync]
lookback_days = 30

[caldavs.work]
name = "Work"
server_url = "https://dav.example.com/"
username = "me"
password = "pw"
`)
	cfg, err := Parse(data, ".calsync.toml")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.ClientID != "id" || cfg.ClientSecret != "secret" {
		t.Fatalf("unexpected oauth fields: %+v", cfg)
	}
	if cfg.Sync.LookbackDays != 30 {
		t.Fatalf("expected lookback 30, got %d", cfg.Sync.LookbackDays)
	}
	if cfg.Sync.Schedule != "@every 30m" {
		t.Fatalf("expected default schedule, got %q", cfg.Sync.Schedule)
	}
	if cfg.Sync.MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.Sync.MaxAttempts)
	}
	if cfg.DatabaseDriver != "sqlite3" {
		t.Fatalf("expected sqlite3 driver, got %q", cfg.DatabaseDriver)
	}
	if got := cfg.CalDAVs["work"].ServerURL; got != "https://dav.example.com/" {
		t.Fatalf("unexpected caldav server url %q", got)
	}
	if cfg.Lookback() != 30*24*time.Hour {
		t.Fatalf("unexpected lookback duration %s", cfg.Lookback())
	}
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
client_id: yid
database_driver: sqlite
timezone: Europe/Berlin
sync:
  schedule: "*/15 * * * *"
  max_attempts: 5
`)
	cfg, err := Parse(data, "calsync.yaml")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.ClientID != "yid" || cfg.DatabaseDriver != "sqlite" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Sync.Schedule != "*/15 * * * *" || cfg.Sync.MaxAttempts != 5 {
		t.Fatalf("unexpected sync config: %+v", cfg.Sync)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "Europe/Berlin" {
		t.Fatalf("unexpected location %v: %v", loc, err)
	}
}

func TestNormalizeRejectsUnknownDriverAndBadJitter(t *testing.T) {
	cfg := &Config{DatabaseDriver: "postgres", Sync: SyncConfig{Jitter: 3, BaseDelayMillis: 20000}}
	cfg.Normalize()
	if cfg.DatabaseDriver != "sqlite3" {
		t.Fatalf("expected fallback driver, got %q", cfg.DatabaseDriver)
	}
	if cfg.Sync.Jitter != 0.2 {
		t.Fatalf("expected default jitter, got %v", cfg.Sync.Jitter)
	}
	if cfg.MaxDelay() < cfg.BaseDelay() {
		t.Fatalf("max delay %s below base delay %s", cfg.MaxDelay(), cfg.BaseDelay())
	}
}

func TestReadResolvesDatabaseNextToConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	if err := os.WriteFile(path, []byte(`client_id = "x"`), 0o600); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	cfg, err := Read(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got, want := cfg.DatabasePath(), filepath.Join(dir, ".calsync.db"); got != want {
		t.Fatalf("database path = %q, want %q", got, want)
	}
}
