// Package daemon manages the engine lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config holds all daemon configuration.
type Config struct {
	API         APIConfig         `toml:"api" envPrefix:"API_"`
	Store       StoreConfig       `toml:"store" envPrefix:"STORE_"`
	Ledger      LedgerConfig      `toml:"ledger" envPrefix:"LEDGER_"`
	Arbitration ArbitrationConfig `toml:"arbitration" envPrefix:"ARBITRATION_"`
	Health      HealthConfig      `toml:"health" envPrefix:"HEALTH_"`
	Logging     LoggingConfig     `toml:"logging" envPrefix:"LOG_"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host           string   `toml:"host" env:"HOST"`
	Port           int      `toml:"port" env:"PORT"`
	RateLimit      float64  `toml:"rate_limit_per_minute" env:"RATE_LIMIT"`
	RateBurst      int      `toml:"rate_burst" env:"RATE_BURST"`
	RequestTimeout Duration `toml:"request_timeout" env:"REQUEST_TIMEOUT"`
	Metrics        bool     `toml:"metrics" env:"METRICS"`
}

// StoreConfig controls the SQLite store.
type StoreConfig struct {
	Dir string `toml:"dir" env:"DIR"`
}

// LedgerConfig controls the token ledger.
type LedgerConfig struct {
	Treasury string `toml:"treasury" env:"TREASURY"`
}

// ArbitrationConfig controls disputes, the arbitrator pool and matching.
type ArbitrationConfig struct {
	Threshold        int64    `toml:"threshold" env:"THRESHOLD"`
	PreWindow        Duration `toml:"pre_window" env:"PRE_WINDOW"`
	FallbackAfter    Duration `toml:"fallback_after" env:"FALLBACK_AFTER"`
	MatchInterval    Duration `toml:"match_interval" env:"MATCH_INTERVAL"`
	SweepInterval    Duration `toml:"sweep_interval" env:"SWEEP_INTERVAL"`
	MaxActiveCases   int      `toml:"max_active_cases" env:"MAX_ACTIVE_CASES"`
	Fee              int64    `toml:"fee" env:"FEE"`
	PlatformAccounts []string `toml:"platform_accounts" env:"PLATFORM_ACCOUNTS" envSeparator:","`
}

// HealthConfig controls the self checks.
type HealthConfig struct {
	Interval     Duration `toml:"interval" env:"INTERVAL"`
	MaxMatchWait Duration `toml:"max_match_wait" env:"MAX_MATCH_WAIT"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level      string `toml:"level" env:"LEVEL"`
	Format     string `toml:"format" env:"FORMAT"`
	File       string `toml:"file" env:"FILE"`
	MaxSizeMB  int    `toml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxFiles   int    `toml:"max_files" env:"MAX_FILES"`
	MaxAgeDays int    `toml:"max_age_days" env:"MAX_AGE_DAYS"`
}

// Duration is a time.Duration written as "5m" in TOML and the environment.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	homeDir := shmHome()
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8420,
			RateLimit:      600,
			RateBurst:      60,
			RequestTimeout: Duration{30 * time.Second},
			Metrics:        true,
		},
		Store: StoreConfig{
			Dir: homeDir,
		},
		Ledger: LedgerConfig{
			Treasury: "system:treasury",
		},
		Arbitration: ArbitrationConfig{
			Threshold:        3000,
			PreWindow:        Duration{5 * time.Minute},
			FallbackAfter:    Duration{10 * time.Minute},
			MatchInterval:    Duration{5 * time.Second},
			SweepInterval:    Duration{time.Minute},
			MaxActiveCases:   1,
			Fee:              0,
			PlatformAccounts: []string{"platform"},
		},
		Health: HealthConfig{
			Interval:     Duration{60 * time.Second},
			MaxMatchWait: Duration{time.Hour},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			File:       "",
			MaxSizeMB:  50,
			MaxFiles:   5,
			MaxAgeDays: 28,
		},
	}
}

// LoadConfig reads config from $SHM_HOME/config.toml over the defaults, then
// applies SHM_* environment overrides.
func LoadConfig() (Config, error) {
	return LoadConfigFrom(filepath.Join(shmHome(), "config.toml"))
}

// LoadConfigFrom is LoadConfig with an explicit file path. A missing file is
// not an error.
func LoadConfigFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("stat config: %w", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SHM_"}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.API.Port <= 0 || c.API.Port > 65535:
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	case c.Store.Dir == "":
		return fmt.Errorf("store.dir is required")
	case c.Ledger.Treasury == "":
		return fmt.Errorf("ledger.treasury is required")
	case c.Arbitration.Threshold < 0:
		return fmt.Errorf("arbitration.threshold must not be negative")
	case c.Arbitration.MaxActiveCases < 1:
		return fmt.Errorf("arbitration.max_active_cases must be at least 1")
	case c.Arbitration.Fee < 0:
		return fmt.Errorf("arbitration.fee must not be negative")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q, want text or json", c.Logging.Format)
	}
	return nil
}

// SaveConfig writes the config to $SHM_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(shmHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// shmHome returns the data directory.
func shmHome() string {
	if env := os.Getenv("SHM_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".shm")
}

// Home is exported for use by other packages.
func Home() string {
	return shmHome()
}
