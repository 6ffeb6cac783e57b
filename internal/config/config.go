// Package config loads the boardsync configuration: listen addresses, the
// two lock timings of the protocol, the write-coalescing window and the
// undo depth. Values unset in the file keep their defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/boardsync/boardsync/internal/core/observability/log"
)

// Config is the full boardsync configuration.
type Config struct {
	// ListenAddr is the WebSocket sync endpoint address.
	ListenAddr string `yaml:"listen_addr"`

	// PresenceAddr is the QUIC presence relay address. Empty disables it.
	PresenceAddr string `yaml:"presence_addr"`

	// LockStaleness is the age beyond which another client may override a
	// held lock. It must stay longer than LockAutoRelease so a live client
	// always releases or refreshes before its lock becomes stealable.
	LockStaleness time.Duration `yaml:"lock_staleness"`

	// LockAutoRelease bounds how long a client holds a lock without
	// explicit release or refresh.
	LockAutoRelease time.Duration `yaml:"lock_auto_release"`

	// CoalesceWindow batches rapid field updates to one shape into a
	// single remote write.
	CoalesceWindow time.Duration `yaml:"coalesce_window"`

	// HistoryLimit caps the per-client undo stack.
	HistoryLimit int `yaml:"history_limit"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:      "127.0.0.1:8080",
		PresenceAddr:    "127.0.0.1:8443",
		LockStaleness:   10 * time.Second,
		LockAutoRelease: 5 * time.Second,
		CoalesceWindow:  150 * time.Millisecond,
		HistoryLimit:    50,
		LogLevel:        "info",
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err = cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that break protocol assumptions.
func (c Config) Validate() error {
	if c.LockStaleness <= 0 || c.LockAutoRelease <= 0 {
		return fmt.Errorf("lock timings must be positive (staleness %s, auto-release %s)",
			c.LockStaleness, c.LockAutoRelease)
	}
	if c.LockAutoRelease >= c.LockStaleness {
		return fmt.Errorf("lock_auto_release %s must be shorter than lock_staleness %s",
			c.LockAutoRelease, c.LockStaleness)
	}
	if c.CoalesceWindow < 0 {
		return fmt.Errorf("coalesce_window must not be negative")
	}
	if c.HistoryLimit < 2 {
		return fmt.Errorf("history_limit %d is too small to undo anything", c.HistoryLimit)
	}
	return nil
}

// Level converts the configured log level string.
func (c Config) Level() log.Level {
	switch c.LogLevel {
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}
