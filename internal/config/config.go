// Package config loads vaultsyncd's configuration: a YAML file overridden
// by environment variables, following the teacher's load-then-override
// shape (internal/config's XDG path resolution and env-var precedence).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every key spec.md §6 enumerates, plus the ambient logging
// and cache sections carried from the teacher.
type Config struct {
	BindAddr  string `yaml:"bind_addr"`
	PublicURL string `yaml:"public_url"`
	VaultPath string `yaml:"vault_path"`
	PeerRole  string `yaml:"peer_role"`

	Swim      SwimConfig      `yaml:"swim"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Transport TransportConfig `yaml:"transport"`
	Session   SessionConfig   `yaml:"session"`

	Cache CacheConfig `yaml:"cache"`
	Log   LogConfig   `yaml:"log"`
}

// SwimConfig is the spec §6 swim.* key group.
type SwimConfig struct {
	ProbeIntervalMS    int `yaml:"probe_interval_ms"`
	ProbeTimeoutMS     int `yaml:"probe_timeout_ms"`
	IndirectK          int `yaml:"indirect_k"`
	SuspicionTimeoutMS int `yaml:"suspicion_timeout_ms"`
}

// ProbeInterval returns ProbeIntervalMS as a time.Duration.
func (s SwimConfig) ProbeInterval() time.Duration { return time.Duration(s.ProbeIntervalMS) * time.Millisecond }

// ProbeTimeout returns ProbeTimeoutMS as a time.Duration.
func (s SwimConfig) ProbeTimeout() time.Duration { return time.Duration(s.ProbeTimeoutMS) * time.Millisecond }

// SuspicionTimeout returns SuspicionTimeoutMS as a time.Duration.
func (s SwimConfig) SuspicionTimeout() time.Duration {
	return time.Duration(s.SuspicionTimeoutMS) * time.Millisecond
}

// WatcherConfig is the spec §6 watcher.* key group.
type WatcherConfig struct {
	DebounceMS int `yaml:"debounce_ms"`
}

// Debounce returns DebounceMS as a time.Duration.
func (w WatcherConfig) Debounce() time.Duration { return time.Duration(w.DebounceMS) * time.Millisecond }

// TransportConfig is the spec §6 transport.* key group.
type TransportConfig struct {
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
}

// SessionConfig is the spec §6 session.* key group.
type SessionConfig struct {
	OutgoingQueue int `yaml:"outgoing_queue"`
}

// CacheConfig sizes the in-process gossip/membership dedup cache, carried
// from the teacher's API response cache.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// LogConfig controls the ambient logrus logger.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// RoleServer and RoleClient are the only valid PeerRole values (spec.md
// §6's peer_role key).
const (
	RoleServer = "server"
	RoleClient = "client"
)

// DefaultConfig returns spec.md §6's documented defaults.
func DefaultConfig() *Config {
	return &Config{
		PeerRole: RoleClient,
		Swim: SwimConfig{
			ProbeIntervalMS:    1000,
			ProbeTimeoutMS:     500,
			IndirectK:          3,
			SuspicionTimeoutMS: 5000,
		},
		Watcher: WatcherConfig{
			DebounceMS: 300,
		},
		Transport: TransportConfig{
			MaxMessageBytes: 4 * 1024 * 1024,
		},
		Session: SessionConfig{
			OutgoingQueue: 256,
		},
		Cache: CacheConfig{
			TTL:        60 * time.Second,
			MaxEntries: 10000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration using the real environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment lookup
// function. This allows tests to provide isolated environment values.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	return loadFrom(getConfigPathWithEnv(getenv), getenv)
}

// LoadFrom loads configuration from an explicit path (the CLI's --config
// flag), still applying the same VAULTSYNC_* environment overrides as
// Load.
func LoadFrom(path string) (*Config, error) {
	return loadFrom(path, os.Getenv)
}

func loadFrom(configPath string, getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", configPath, err)
		}
	}

	if v := getenv("VAULTSYNC_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := getenv("VAULTSYNC_PUBLIC_URL"); v != "" {
		cfg.PublicURL = v
	}
	if v := getenv("VAULTSYNC_VAULT_PATH"); v != "" {
		cfg.VaultPath = v
	}
	if v := getenv("VAULTSYNC_PEER_ROLE"); v != "" {
		cfg.PeerRole = v
	}
	if v := getenv("VAULTSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg.Validate()
}

// Validate enforces spec.md §7's "configuration errors are fatal at
// startup" policy: a missing vault_path or an unrecognized peer_role fails
// here rather than surfacing later as a nil-pointer or silent no-op.
func (c *Config) Validate() (*Config, error) {
	if c.VaultPath == "" {
		return nil, fmt.Errorf("config: vault_path is required")
	}
	if c.PeerRole != RoleServer && c.PeerRole != RoleClient {
		return nil, fmt.Errorf("config: peer_role must be %q or %q, got %q", RoleServer, RoleClient, c.PeerRole)
	}
	if c.PeerRole == RoleServer && c.BindAddr == "" {
		return nil, fmt.Errorf("config: bind_addr is required when peer_role is %q", RoleServer)
	}
	return c, nil
}

func getConfigPath() string {
	return getConfigPathWithEnv(os.Getenv)
}

func getConfigPathWithEnv(getenv func(string) string) string {
	if xdgConfig := getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "vaultsync", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "vaultsync", "config.yaml")
}
