// Package config holds the settings of a livedb client.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/openmined/livedb/internal/hostcache"
	"github.com/openmined/livedb/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".livedb", "config.json")
	DefaultCachePath  = filepath.Join(home, ".livedb", "hosts.db")
	DefaultLogPath    = filepath.Join(home, ".livedb", "logs", "livedb.log")
	DefaultLogLevel   = "info"
)

var ErrNoDatabaseURL = errors.New("database url is required")

type Config struct {
	DatabaseURL string `json:"database_url"`
	// CachePath is the sqlite file that remembers redirects. Empty keeps them in memory.
	CachePath string `json:"cache_path,omitempty"`
	// RedisURL shares redirects between clients through Redis. It takes precedence over CachePath.
	RedisURL  string `json:"redis_url,omitempty"`
	AuthToken string `json:"auth_token,omitempty"`
	LogLevel  string `json:"log_level,omitempty"`
	Path      string `json:"-"`
}

// Validate checks the settings and normalizes paths and the log level in place.
func (c *Config) Validate() error {
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	if c.DatabaseURL == "" {
		return ErrNoDatabaseURL
	}
	if _, err := hostcache.ParseDatabaseURL(c.DatabaseURL); err != nil {
		return fmt.Errorf("database url: %w", err)
	}

	if c.RedisURL != "" && !hasAnyPrefix(c.RedisURL, "redis://", "rediss://", "unix://") {
		return fmt.Errorf("redis url %q: want redis://, rediss:// or unix://", c.RedisURL)
	}

	if c.CachePath != "" {
		path, err := utils.ResolvePath(c.CachePath)
		if err != nil {
			return fmt.Errorf("cache path: %w", err)
		}
		c.CachePath = path
	}

	if c.Path != "" {
		path, err := utils.ResolvePath(c.Path)
		if err != nil {
			return fmt.Errorf("config path: %w", err)
		}
		c.Path = path
	}

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	return nil
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Level is the configured log level, info when unset or invalid.
func (c *Config) Level() slog.Level {
	level, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	// may carry a credential
	return os.WriteFile(path, data, 0o600)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.Path = path

	return &cfg, nil
}
