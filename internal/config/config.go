// Package config loads store settings from an optional YAML file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/rcliao/agent-memstore/internal/store"
	"github.com/rcliao/agent-memstore/internal/wal"
)

// FileName is the config file looked for inside the store directory when no
// path is given.
const FileName = "config.yaml"

// Size is a byte count written in YAML as a plain number or a human string
// such as "4MiB" or "256 MB". "off" disables the limit.
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	switch strings.ToLower(raw) {
	case "":
		*s = 0
		return nil
	case "off", "none", "-1":
		*s = -1
		return nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", value.Line, raw, err)
	}
	*s = Size(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Size) MarshalYAML() (interface{}, error) {
	if s < 0 {
		return "off", nil
	}
	return humanize.IBytes(uint64(s)), nil
}

// Config holds the store settings a file may override.
type Config struct {
	Session        string        `yaml:"session,omitempty"`
	StrictSession  bool          `yaml:"strict_session,omitempty"`
	Sync           string        `yaml:"sync,omitempty"`
	SyncInterval   time.Duration `yaml:"sync_interval,omitempty"`
	CompactBytes   Size          `yaml:"compact_bytes,omitempty"`
	CompactRecords int64         `yaml:"compact_records,omitempty"`
	AutoCompact    *bool         `yaml:"auto_compact,omitempty"`
	MaxValueBytes  Size          `yaml:"max_value_bytes,omitempty"`
	MaxStoreBytes  Size          `yaml:"max_store_bytes,omitempty"`
	LockTimeout    time.Duration `yaml:"lock_timeout,omitempty"`
	LogLevel       string        `yaml:"log_level,omitempty"`
}

// DefaultConfig returns a Config holding the store defaults.
func DefaultConfig() Config {
	d := store.DefaultOptions()
	auto := true
	return Config{
		Sync:           string(d.Sync),
		SyncInterval:   d.SyncInterval,
		CompactBytes:   Size(d.CompactBytes),
		CompactRecords: d.CompactRecords,
		AutoCompact:    &auto,
		MaxValueBytes:  Size(d.MaxValueBytes),
		MaxStoreBytes:  Size(d.MaxStoreBytes),
		LockTimeout:    d.LockTimeout,
		LogLevel:       "info",
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Session != "" {
		c.Session = source.Session
	}
	if source.StrictSession {
		c.StrictSession = true
	}
	if source.Sync != "" {
		c.Sync = source.Sync
	}
	if source.SyncInterval != 0 {
		c.SyncInterval = source.SyncInterval
	}
	if source.CompactBytes != 0 {
		c.CompactBytes = source.CompactBytes
	}
	if source.CompactRecords != 0 {
		c.CompactRecords = source.CompactRecords
	}
	if source.AutoCompact != nil {
		c.AutoCompact = source.AutoCompact
	}
	if source.MaxValueBytes != 0 {
		c.MaxValueBytes = source.MaxValueBytes
	}
	if source.MaxStoreBytes != 0 {
		c.MaxStoreBytes = source.MaxStoreBytes
	}
	if source.LockTimeout != 0 {
		c.LockTimeout = source.LockTimeout
	}
	if source.LogLevel != "" {
		c.LogLevel = source.LogLevel
	}
}

// Validate checks values the store would otherwise reject late.
func (c *Config) Validate() error {
	switch wal.SyncMode(c.Sync) {
	case wal.SyncAlways, wal.SyncBatch:
	default:
		return fmt.Errorf("invalid sync mode %q (must be %q or %q)", c.Sync, wal.SyncAlways, wal.SyncBatch)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.CompactRecords < -1 {
		return fmt.Errorf("invalid compact_records %d", c.CompactRecords)
	}
	return nil
}

// LoadConfig reads a YAML config file and merges it over the defaults.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	cfg.Merge(&loaded)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", filename, err)
	}
	return &cfg, nil
}

// Resolve loads filename when given, otherwise <dir>/config.yaml when it
// exists, otherwise the defaults.
func Resolve(filename, dir string) (*Config, error) {
	if filename != "" {
		return LoadConfig(filename)
	}
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); err == nil {
		return LoadConfig(path)
	}
	cfg := DefaultConfig()
	return &cfg, nil
}

// Options converts c into store options.
func (c *Config) Options(logger *slog.Logger) store.Options {
	opts := store.Options{
		Session:        c.Session,
		StrictSession:  c.StrictSession,
		Sync:           wal.SyncMode(c.Sync),
		SyncInterval:   c.SyncInterval,
		CompactBytes:   int64(c.CompactBytes),
		CompactRecords: c.CompactRecords,
		MaxValueBytes:  int64(c.MaxValueBytes),
		MaxStoreBytes:  int64(c.MaxStoreBytes),
		LockTimeout:    c.LockTimeout,
		Logger:         logger,
	}
	if c.AutoCompact != nil && !*c.AutoCompact {
		opts.DisableAutoCompact = true
	}
	return opts
}

// ParseLevel maps a level name onto slog.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", s)
	}
	return level, nil
}
