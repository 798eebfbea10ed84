// Package config loads the hub's runtime configuration from defaults,
// an optional YAML file, and AGORA_-prefixed environment variables,
// merged in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the hub's runtime configuration.
type Config struct {
	Addr             string        `koanf:"addr"`               // Listen address (e.g. ":4840")
	DataDir          string        `koanf:"data_dir"`           // Data directory for the database
	LogLevel         string        `koanf:"log_level"`          // debug|info|warn|error
	IdleTurnMs       int           `koanf:"idle_turn_ms"`       // Claim lifetime / per-turn deadline
	WatchdogMs       int           `koanf:"watchdog_ms"`        // Expired-claim sweep interval
	SubscriberBuffer int           `koanf:"subscriber_buffer"`  // Per-subscription queue capacity
	DropSlow         bool          `koanf:"drop_slow"`          // Drop slow subscribers instead of blocking
	PingIntervalMs   int           `koanf:"ping_interval_ms"`   // WebSocket keep-alive interval
	DBBusyMs         int           `koanf:"db_busy_ms"`         // SQLite busy timeout
}

// Defaults returns the built-in configuration values.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"addr":              ":4840",
		"data_dir":          defaultDataDir(),
		"log_level":         "info",
		"idle_turn_ms":      30000,
		"watchdog_ms":       5000,
		"subscriber_buffer": 64,
		"drop_slow":         false,
		"ping_interval_ms":  20000,
		"db_busy_ms":        5000,
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// empty or missing), and AGORA_-prefixed environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	// AGORA_IDLE_TURN_MS=60000 -> idle_turn_ms.
	if err := k.Load(env.Provider("AGORA_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "AGORA_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate checks the configuration values and ensures required directories exist.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.IdleTurnMs <= 0 {
		return fmt.Errorf("idle_turn_ms must be positive")
	}
	if c.WatchdogMs <= 0 {
		return fmt.Errorf("watchdog_ms must be positive")
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber_buffer must be positive")
	}
	if c.DBBusyMs <= 0 {
		return fmt.Errorf("db_busy_ms must be positive")
	}

	// Ensure data dir exists.
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	return nil
}

// IdleTurn returns the claim lifetime as a duration.
func (c *Config) IdleTurn() time.Duration {
	return time.Duration(c.IdleTurnMs) * time.Millisecond
}

// WatchdogInterval returns the expired-claim sweep interval as a duration.
func (c *Config) WatchdogInterval() time.Duration {
	return time.Duration(c.WatchdogMs) * time.Millisecond
}

// PingInterval returns the WebSocket keep-alive interval as a duration.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMs) * time.Millisecond
}

// DBBusyTimeout returns the SQLite busy timeout as a duration.
func (c *Config) DBBusyTimeout() time.Duration {
	return time.Duration(c.DBBusyMs) * time.Millisecond
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "agora")
	}
	return filepath.Join(home, ".config", "agora")
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "agora.db")
}
