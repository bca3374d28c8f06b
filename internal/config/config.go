// Package config loads waggle's YAML configuration, with every field
// optional and defaulted so a bare `waggle serve` works in a fresh
// directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "waggle.yaml"

type Config struct {
	// Addr is the TCP listen address for the HTTP API.
	Addr string `yaml:"addr"`
	// SocketPath optionally serves the same API over a unix socket.
	SocketPath string `yaml:"socket_path"`
	// DataDir holds the claim marker tree, event log, and state store.
	DataDir string `yaml:"data_dir"`
	// DBPath is the SQLite database for heuristics, fraud, and trails.
	DBPath string `yaml:"db_path"`
	// Authority selects the read path: "legacy" or "eventlog".
	Authority string `yaml:"authority"`

	Claims struct {
		TimeoutSeconds    int `yaml:"timeout_seconds"`
		StaleAfterSeconds int `yaml:"stale_after_seconds"`
	} `yaml:"claims"`

	Trails struct {
		TTLHours int `yaml:"ttl_hours"`
	} `yaml:"trails"`

	Heuristics struct {
		DailyUpdateCap int `yaml:"daily_update_cap"`
		SoftLimit      int `yaml:"soft_limit"`
		HardLimit      int `yaml:"hard_limit"`
	} `yaml:"heuristics"`

	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

func Default() Config {
	var c Config
	c.Addr = ":7441"
	c.DataDir = "waggle-data"
	c.DBPath = "waggle.db"
	c.Authority = "legacy"
	c.Claims.TimeoutSeconds = 10
	c.Claims.StaleAfterSeconds = 300
	c.Trails.TTLHours = 4
	c.Heuristics.DailyUpdateCap = 10
	c.Heuristics.SoftLimit = 25
	c.Heuristics.HardLimit = 50
	c.SweepIntervalSeconds = 60
	return c
}

// ResolvePath returns the config file path, honoring WAGGLE_CONFIG.
func ResolvePath() string {
	if v := strings.TrimSpace(os.Getenv("WAGGLE_CONFIG")); v != "" {
		return v
	}
	return defaultConfigFile
}

// Load reads the config at path, filling unset fields with defaults.
// A missing file is not an error; defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func LoadFromEnv() (Config, error) {
	return Load(ResolvePath())
}

// Write marshals the config to path. Used by `waggle init`.
func (c Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr required")
	}
	switch c.Authority {
	case "legacy", "eventlog":
	default:
		return fmt.Errorf("authority must be legacy or eventlog, got %q", c.Authority)
	}
	if c.Heuristics.SoftLimit > c.Heuristics.HardLimit {
		return fmt.Errorf("soft_limit %d above hard_limit %d", c.Heuristics.SoftLimit, c.Heuristics.HardLimit)
	}
	return nil
}

func (c Config) ClaimTimeout() time.Duration {
	return time.Duration(c.Claims.TimeoutSeconds) * time.Second
}

func (c Config) ClaimStaleAfter() time.Duration {
	return time.Duration(c.Claims.StaleAfterSeconds) * time.Second
}

func (c Config) TrailTTL() time.Duration {
	return time.Duration(c.Trails.TTLHours) * time.Hour
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}
