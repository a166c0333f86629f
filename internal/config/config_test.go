package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// mockEnv creates an environment lookup function from a map.
func mockEnv(env map[string]string) func(string) string {
	return func(key string) string {
		return env[key]
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig() returned nil")
	}
	if cfg.PeerRole != RoleClient {
		t.Errorf("DefaultConfig() PeerRole = %q, want %q", cfg.PeerRole, RoleClient)
	}
	if cfg.Swim.ProbeInterval() != time.Second {
		t.Errorf("DefaultConfig() Swim.ProbeInterval() = %v, want 1s", cfg.Swim.ProbeInterval())
	}
	if cfg.Swim.IndirectK != 3 {
		t.Errorf("DefaultConfig() Swim.IndirectK = %d, want 3", cfg.Swim.IndirectK)
	}
	if cfg.Watcher.Debounce() != 300*time.Millisecond {
		t.Errorf("DefaultConfig() Watcher.Debounce() = %v, want 300ms", cfg.Watcher.Debounce())
	}
	if cfg.Transport.MaxMessageBytes != 4*1024*1024 {
		t.Errorf("DefaultConfig() Transport.MaxMessageBytes = %d, want 4MiB", cfg.Transport.MaxMessageBytes)
	}
	if cfg.Cache.TTL != 60*time.Second {
		t.Errorf("DefaultConfig() Cache.TTL = %v, want %v", cfg.Cache.TTL, 60*time.Second)
	}
	if cfg.Cache.MaxEntries != 10000 {
		t.Errorf("DefaultConfig() Cache.MaxEntries = %d, want 10000", cfg.Cache.MaxEntries)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("DefaultConfig() Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
}

func writeConfigFile(t *testing.T, tmpDir, content string) string {
	t.Helper()
	configDir := filepath.Join(tmpDir, "vaultsync")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return configPath
}

func TestLoadWithConfigFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	writeConfigFile(t, tmpDir, `
vault_path: /vaults/primary
peer_role: server
bind_addr: 0.0.0.0:7946
swim:
  probe_interval_ms: 2000
  indirect_k: 5
cache:
  ttl: 120s
  max_entries: 5000
log:
  level: debug
`)

	env := mockEnv(map[string]string{"XDG_CONFIG_HOME": tmpDir})
	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.VaultPath != "/vaults/primary" {
		t.Errorf("VaultPath = %q, want %q", cfg.VaultPath, "/vaults/primary")
	}
	if cfg.PeerRole != RoleServer {
		t.Errorf("PeerRole = %q, want %q", cfg.PeerRole, RoleServer)
	}
	if cfg.Swim.ProbeInterval() != 2*time.Second {
		t.Errorf("Swim.ProbeInterval() = %v, want 2s", cfg.Swim.ProbeInterval())
	}
	if cfg.Swim.IndirectK != 5 {
		t.Errorf("Swim.IndirectK = %d, want 5", cfg.Swim.IndirectK)
	}
	if cfg.Cache.MaxEntries != 5000 {
		t.Errorf("Cache.MaxEntries = %d, want 5000", cfg.Cache.MaxEntries)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	writeConfigFile(t, tmpDir, `
vault_path: /vaults/from-file
peer_role: client
`)

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME":      tmpDir,
		"VAULTSYNC_VAULT_PATH": "/vaults/from-env",
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}
	if cfg.VaultPath != "/vaults/from-env" {
		t.Errorf("VaultPath = %q, want %q (env override)", cfg.VaultPath, "/vaults/from-env")
	}
}

func TestLoadNoConfigFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME":      tmpDir,
		"VAULTSYNC_VAULT_PATH": "/vaults/default-test",
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}
	if cfg.Cache.TTL != 60*time.Second {
		t.Errorf("without a file, Cache.TTL should be the default, got %v", cfg.Cache.TTL)
	}
	if cfg.PeerRole != RoleClient {
		t.Errorf("without a file, PeerRole should default to %q, got %q", RoleClient, cfg.PeerRole)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	writeConfigFile(t, tmpDir, `
vault_path: [this is invalid yaml
swim:
  probe_interval_ms: not a number
`)

	env := mockEnv(map[string]string{"XDG_CONFIG_HOME": tmpDir})
	if _, err := LoadWithEnv(env); err == nil {
		t.Error("LoadWithEnv() with invalid YAML should return an error")
	}
}

func TestLoadFromExplicitPath(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "custom.yaml")
	content := `
vault_path: /vaults/explicit
peer_role: client
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFrom(configPath)
	if err != nil {
		t.Fatalf("LoadFrom() error: %v", err)
	}
	if cfg.VaultPath != "/vaults/explicit" {
		t.Errorf("VaultPath = %q, want %q", cfg.VaultPath, "/vaults/explicit")
	}
}

func TestValidateRequiresVaultPath(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	if _, err := cfg.Validate(); err == nil {
		t.Error("Validate() with empty VaultPath should return an error")
	}
}

func TestValidateRejectsUnknownPeerRole(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.VaultPath = "/vaults/x"
	cfg.PeerRole = "bogus"
	if _, err := cfg.Validate(); err == nil {
		t.Error("Validate() with an unrecognized peer_role should return an error")
	}
}

func TestValidateRequiresBindAddrForServerRole(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.VaultPath = "/vaults/x"
	cfg.PeerRole = RoleServer
	if _, err := cfg.Validate(); err == nil {
		t.Error("Validate() with peer_role=server and no bind_addr should return an error")
	}
}

func TestGetConfigPathXDG(t *testing.T) {
	t.Parallel()
	tmpDir := "/custom/config/path"

	env := mockEnv(map[string]string{"XDG_CONFIG_HOME": tmpDir})
	path := getConfigPathWithEnv(env)
	expected := filepath.Join(tmpDir, "vaultsync", "config.yaml")
	if path != expected {
		t.Errorf("getConfigPathWithEnv() = %q, want %q", path, expected)
	}
}

func TestGetConfigPathFallback(t *testing.T) {
	t.Parallel()
	env := mockEnv(map[string]string{})

	path := getConfigPathWithEnv(env)
	home, _ := os.UserHomeDir()
	expected := filepath.Join(home, ".config", "vaultsync", "config.yaml")
	if path != expected {
		t.Errorf("getConfigPathWithEnv() = %q, want %q", path, expected)
	}
}
