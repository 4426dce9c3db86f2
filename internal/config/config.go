// Package config loads process configuration from an optional JSON
// file plus environment variable overrides, in the teacher's
// Default()/Load()/applyEnv() shape.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Server holds HTTP server tuning.
type Server struct {
	Port              string `json:"port"`
	RequestTimeoutSec int    `json:"request_timeout_sec"`
}

// Paths holds the on-disk locations of persisted state (spec.md §6).
type Paths struct {
	CacheDir     string `json:"cache_dir"`
	SessionDir   string `json:"session_dir"`
	SettingsFile string `json:"settings_file"`
}

// Provider holds the upstream market-data provider's connection info.
type Provider struct {
	APIToken string `json:"api_token"`
	BaseURL  string `json:"base_url"`
}

// Scrape holds the Dataroma scrape target's connection info.
type Scrape struct {
	BaseURL string `json:"base_url"`
}

// Config is the full process configuration.
type Config struct {
	Server   Server   `json:"server"`
	Paths    Paths    `json:"paths"`
	Provider Provider `json:"provider"`
	Scrape   Scrape   `json:"scrape"`
	LogLevel string   `json:"log_level"`
}

// Default returns the baked-in defaults, overridden by file and env in Load.
func Default() Config {
	return Config{
		Server: Server{Port: "8787", RequestTimeoutSec: 30},
		Paths: Paths{
			CacheDir:     ".cache",
			SessionDir:   ".dataroma-screener-sessions",
			SettingsFile: ".config/settings.json",
		},
		Provider: Provider{
			APIToken: "demo",
			BaseURL:  "https://eodhd.com/api",
		},
		Scrape: Scrape{
			BaseURL: "https://www.dataroma.com/m/g/portfolio.php",
		},
		LogLevel: "info",
	}
}

// Load reads JSON config from path, falling back to "config.json" in
// the working directory and then to Default(). Environment variables
// override select fields afterward.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := json.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATAROMA_SCREENER_API_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("EODHD_API_TOKEN"); v != "" {
		cfg.Provider.APIToken = v
	}
	if v := os.Getenv("DATAROMA_SCREENER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
