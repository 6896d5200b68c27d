// Package config holds process settings for the ssdtprof CLI and server.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for the CLI and the REST server.
type Config struct {
	// DBPath is the sqlite database holding imported modules and the
	// override log. Empty disables persistence.
	DBPath string `yaml:"db_path"`
	// Addr is the listen address for serve.
	Addr string `yaml:"addr"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// CacheSize bounds the number of resolved profiles kept in memory.
	CacheSize int `yaml:"cache_size"`
	// OverlayFiles are extra catalog/registry documents applied on top of
	// the built-in data, in order.
	OverlayFiles []string `yaml:"overlays"`
	// LogOverrides records each resolution's override trace in the database.
	LogOverrides bool `yaml:"log_overrides"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		DBPath:    "./data/ssdtprof.db",
		Addr:      ":8080",
		LogLevel:  "info",
		CacheSize: 256,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SSDTPROF_* variables. PORT is honored for
// container platforms that inject it.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SSDTPROF_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Addr = ":" + v
	}
	if v := os.Getenv("SSDTPROF_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("SSDTPROF_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SSDTPROF_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.CacheSize = n
		}
	}
	if v := os.Getenv("SSDTPROF_OVERLAYS"); v != "" {
		c.OverlayFiles = strings.Split(v, string(os.PathListSeparator))
	}
	if v := os.Getenv("SSDTPROF_LOG_OVERRIDES"); v != "" {
		c.LogOverrides, _ = strconv.ParseBool(v)
	}
}

// FromEnv returns the defaults with environment overrides applied.
func FromEnv() Config {
	cfg := DefaultConfig()
	cfg.ApplyEnv()
	return cfg
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
