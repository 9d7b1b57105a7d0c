package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFileName   = ".calsync.toml"
	defaultDatabase   = ".calsync.db"
	defaultDriver     = "sqlite3"
	defaultListen     = "127.0.0.1:8080"
	defaultTimezone   = "UTC"
	defaultSchedule   = "@every 30m"
	defaultLookback   = 90
	defaultAttempts   = 3
	defaultBaseDelay  = 500
	defaultMaxDelay   = 10000
	defaultJitter     = 0.2
	defaultExpiryLeew = 10
)

// CalDAVConfig describes one CalDAV server an account can be linked to.
type CalDAVConfig struct {
	Name      string `toml:"name" yaml:"name"`
	ServerURL string `toml:"server_url" yaml:"server_url"`
	Username  string `toml:"username" yaml:"username"`
	Password  string `toml:"password" yaml:"password"`
}

// SyncConfig holds the scheduling and retry policy of the sync engine.
type SyncConfig struct {
	// Schedule is a robfig/cron spec, e.g. "@every 30m" or "*/30 * * * *".
	Schedule string `toml:"schedule" yaml:"schedule"`
	// LookbackDays bounds a full sync to events changed in the last N days.
	LookbackDays int `toml:"lookback_days" yaml:"lookback_days"`

	MaxAttempts     int     `toml:"max_attempts" yaml:"max_attempts"`
	BaseDelayMillis int     `toml:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMillis  int     `toml:"max_delay_ms" yaml:"max_delay_ms"`
	Jitter          float64 `toml:"jitter" yaml:"jitter"`

	// ExpiryLeewaySeconds refreshes tokens slightly before they expire.
	ExpiryLeewaySeconds int `toml:"expiry_leeway_s" yaml:"expiry_leeway_s"`
}

type Config struct {
	ClientID         string `toml:"client_id" yaml:"client_id"`
	ClientSecret     string `toml:"client_secret" yaml:"client_secret"`
	DisableReminders bool   `toml:"disable_reminders" yaml:"disable_reminders"`
	VerbosityLevel   int    `toml:"verbosity_level" yaml:"verbosity_level"`

	Database       string `toml:"database" yaml:"database"`
	DatabaseDriver string `toml:"database_driver" yaml:"database_driver"`
	Timezone       string `toml:"timezone" yaml:"timezone"`
	Listen         string `toml:"listen" yaml:"listen"`
	// APIToken, when set, is required as a bearer token by the HTTP API.
	APIToken string `toml:"api_token" yaml:"api_token"`

	Sync    SyncConfig              `toml:"sync" yaml:"sync"`
	CalDAVs map[string]CalDAVConfig `toml:"caldavs" yaml:"caldavs"`

	// Dir is the directory the config was read from; the database path is
	// resolved relative to it.
	Dir string `toml:"-" yaml:"-"`
}

// Normalize fills in zero values so partially written configs still work.
func (c *Config) Normalize() {
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	switch c.DatabaseDriver {
	case "sqlite3", "sqlite":
	default:
		c.DatabaseDriver = defaultDriver
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Sync.Schedule == "" {
		c.Sync.Schedule = defaultSchedule
	}
	if c.Sync.LookbackDays <= 0 {
		c.Sync.LookbackDays = defaultLookback
	}
	if c.Sync.MaxAttempts <= 0 {
		c.Sync.MaxAttempts = defaultAttempts
	}
	if c.Sync.BaseDelayMillis <= 0 {
		c.Sync.BaseDelayMillis = defaultBaseDelay
	}
	if c.Sync.MaxDelayMillis < c.Sync.BaseDelayMillis {
		c.Sync.MaxDelayMillis = defaultMaxDelay
		if c.Sync.MaxDelayMillis < c.Sync.BaseDelayMillis {
			c.Sync.MaxDelayMillis = c.Sync.BaseDelayMillis
		}
	}
	if c.Sync.Jitter < 0 || c.Sync.Jitter > 1 {
		c.Sync.Jitter = defaultJitter
	}
	if c.Sync.ExpiryLeewaySeconds <= 0 {
		c.Sync.ExpiryLeewaySeconds = defaultExpiryLeew
	}
	if c.CalDAVs == nil {
		c.CalDAVs = map[string]CalDAVConfig{}
	}
}

func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

func (c *Config) Lookback() time.Duration {
	return time.Duration(c.Sync.LookbackDays) * 24 * time.Hour
}

func (c *Config) BaseDelay() time.Duration {
	return time.Duration(c.Sync.BaseDelayMillis) * time.Millisecond
}

func (c *Config) MaxDelay() time.Duration {
	return time.Duration(c.Sync.MaxDelayMillis) * time.Millisecond
}

func (c *Config) ExpiryLeeway() time.Duration {
	return time.Duration(c.Sync.ExpiryLeewaySeconds) * time.Second
}

// DatabasePath resolves the database file next to the config file unless
// it is absolute.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Database) || c.Dir == "" || c.Database == ":memory:" {
		return c.Database
	}
	return filepath.Join(c.Dir, c.Database)
}

// Read loads the named config. The name is tried as given first, then
// under $HOME/.config/calsync/.
func Read(name string) (*Config, error) {
	if name == "" {
		return nil, errors.New("config path is empty")
	}
	path := name
	data, err := os.ReadFile(path)
	if err != nil {
		path = filepath.Join(os.Getenv("HOME"), ".config", "calsync", filepath.Base(name))
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}

	cfg, err := Parse(data, path)
	if err != nil {
		return nil, err
	}
	cfg.Dir = filepath.Dir(path)
	return cfg, nil
}

// Parse decodes YAML for .yaml/.yml paths and TOML otherwise.
func Parse(data []byte, path string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.Normalize()
	return &cfg, nil
}
