// Package daemon holds the on-disk configuration shared by `serve` and the
// one-shot CLI commands.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"
)

// Config is the root of ~/.cardledger/config.toml.
type Config struct {
	API      APIConfig      `toml:"api"`
	Database DatabaseConfig `toml:"database"`
	Scrape   ScrapeConfig   `toml:"scrape"`
	Billing  BillingConfig  `toml:"billing"`
	Scraper  ScraperConfig  `toml:"scraper"`
	Vault    VaultConfig    `toml:"vault"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns host:port.
func (a APIConfig) Addr() string { return fmt.Sprintf("%s:%d", a.Host, a.Port) }

type DatabaseConfig struct {
	Path string `toml:"path"`
}

// ScrapeConfig controls the batch orchestrator. Durations use Go syntax ("5s").
type ScrapeConfig struct {
	MaxRetries        int    `toml:"max_retries"`
	InitialBackoff    string `toml:"initial_backoff"`
	MaxBackoff        string `toml:"max_backoff"`
	InterAccountDelay string `toml:"inter_account_delay"`
	RateLimitedDelay  string `toml:"rate_limited_delay"`
	OTPTimeout        string `toml:"otp_timeout"`
	Lease             string `toml:"lease"` // "memory" or "sqlite"
	LeaseTTL          string `toml:"lease_ttl"`
	Timezone          string `toml:"timezone"`
}

type BillingConfig struct {
	CycleStartDay int `toml:"cycle_start_day"`
}

// ScraperConfig names the external scraper process.
type ScraperConfig struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
}

type VaultConfig struct {
	KeyEnv string `toml:"key_env"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		API:      APIConfig{Host: "127.0.0.1", Port: 8787},
		Database: DatabaseConfig{Path: "~/.cardledger/ledger.db"},
		Scrape: ScrapeConfig{
			MaxRetries:        3,
			InitialBackoff:    "5s",
			MaxBackoff:        "60s",
			InterAccountDelay: "3s",
			RateLimitedDelay:  "15s",
			OTPTimeout:        "5m",
			Lease:             "memory",
			LeaseTTL:          "30m",
			Timezone:          "Asia/Jerusalem",
		},
		Billing: BillingConfig{CycleStartDay: 10},
		Scraper: ScraperConfig{Command: "cardledger-scraper"},
		Vault:   VaultConfig{KeyEnv: "CARDLEDGER_VAULT_KEY"},
		Log:     LogConfig{Level: "info", Format: "console"},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// DefaultPath returns ~/.cardledger/config.toml.
func DefaultPath() string {
	return expandHome("~/.cardledger/config.toml")
}

// LoadConfig reads path on top of the defaults. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultPath()
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.Database.Path = expandHome(cfg.Database.Path)
	return cfg, cfg.Validate()
}

// Validate rejects values the orchestrator cannot run with.
func (c Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Scrape.MaxRetries < 0 {
		return fmt.Errorf("scrape.max_retries must be >= 0")
	}
	if d := c.Billing.CycleStartDay; d < 1 || d > 28 {
		return fmt.Errorf("billing.cycle_start_day %d must be within 1..28", d)
	}
	switch c.Scrape.Lease {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("scrape.lease %q must be memory or sqlite", c.Scrape.Lease)
	}
	for name, v := range map[string]string{
		"initial_backoff":     c.Scrape.InitialBackoff,
		"max_backoff":         c.Scrape.MaxBackoff,
		"inter_account_delay": c.Scrape.InterAccountDelay,
		"rate_limited_delay":  c.Scrape.RateLimitedDelay,
		"otp_timeout":         c.Scrape.OTPTimeout,
		"lease_ttl":           c.Scrape.LeaseTTL,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("scrape.%s: %w", name, err)
		}
	}
	if _, err := time.LoadLocation(c.Scrape.Timezone); err != nil {
		return fmt.Errorf("scrape.timezone: %w", err)
	}
	return nil
}

// Duration parses a validated duration field, falling back to def.
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// Location returns the configured timezone, or UTC if it cannot be loaded.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scrape.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
