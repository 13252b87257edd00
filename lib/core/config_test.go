package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Interface.Name != "wg0" {
		t.Errorf("interface name = %q, want wg0", cfg.Interface.Name)
	}
	if cfg.Interface.Address != "10.8.0.0/24" {
		t.Errorf("address = %q", cfg.Interface.Address)
	}
	if cfg.Interface.ListenPort != 51820 || cfg.Interface.MTU != 1420 {
		t.Errorf("port/mtu = %d/%d", cfg.Interface.ListenPort, cfg.Interface.MTU)
	}
	if cfg.Registry.Backend != BackendSQLite {
		t.Errorf("registry backend = %q", cfg.Registry.Backend)
	}
	if cfg.Reconciler.HandshakeThreshold != Duration(3*time.Minute) {
		t.Errorf("handshake threshold = %v", cfg.Reconciler.HandshakeThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Interface.Name != "wg0" {
		t.Errorf("interface name = %q, want default", cfg.Interface.Name)
	}
	if cfg.Reconciler.ConfigPath != "/etc/wireguard/wg0.conf" {
		t.Errorf("derived config path = %q", cfg.Reconciler.ConfigPath)
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wgkeeper.toml")
	content := `
data_dir = "/var/lib/wgkeeper"

[interface]
name = "wg1"
address = "192.168.100.0/24"
listen_port = 51821
dns = ["9.9.9.9"]
endpoint = "vpn.example.com"

[registry]
backend = "memory"

[reconciler]
handshake_threshold = "5m"
keystore = "memory"

[log]
level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Interface.Name != "wg1" || cfg.Interface.ListenPort != 51821 {
		t.Errorf("interface = %+v", cfg.Interface)
	}
	if cfg.Reconciler.HandshakeThreshold != Duration(5*time.Minute) {
		t.Errorf("handshake threshold = %v, want 5m", cfg.Reconciler.HandshakeThreshold)
	}
	if cfg.Reconciler.ConfigPath != "/etc/wireguard/wg1.conf" {
		t.Errorf("derived config path = %q", cfg.Reconciler.ConfigPath)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	// Unset file values keep defaults.
	if cfg.Interface.MTU != 1420 {
		t.Errorf("mtu = %d, want default 1420", cfg.Interface.MTU)
	}
}

func TestLoadConfig_EnvOverlay(t *testing.T) {
	t.Setenv("WGKEEPER_INTERFACE", "wg9")
	t.Setenv("WGKEEPER_REGISTRY_BACKEND", "memory")
	t.Setenv("WGKEEPER_LOG_LEVEL", "warning")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Interface.Name != "wg9" {
		t.Errorf("interface = %q, env overlay not applied", cfg.Interface.Name)
	}
	if cfg.Registry.Backend != BackendMemory {
		t.Errorf("backend = %q", cfg.Registry.Backend)
	}
	if cfg.Reconciler.ConfigPath != "/etc/wireguard/wg9.conf" {
		t.Errorf("config path = %q, should follow env interface", cfg.Reconciler.ConfigPath)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing interface name", func(c *Config) { c.Interface.Name = "" }, "interface.name"},
		{"bad address", func(c *Config) { c.Interface.Address = "not-a-cidr" }, "interface.address"},
		{"bad port", func(c *Config) { c.Interface.ListenPort = 70000 }, "listen_port"},
		{"unknown backend", func(c *Config) { c.Registry.Backend = "etcd" }, "registry backend"},
		{"mysql without dsn", func(c *Config) { c.Registry.Backend = BackendMySQL }, "registry.dsn"},
		{"unknown keystore", func(c *Config) { c.Reconciler.Keystore = "vault" }, "keystore backend"},
		{"zero threshold", func(c *Config) { c.Reconciler.HandshakeThreshold = 0 }, "handshake_threshold"},
		{"zero burst", func(c *Config) { c.Reconciler.RestartBurst = 0 }, "restart_burst"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "wgkeeper.toml")

	cfg := DefaultConfig()
	cfg.Interface.Name = "wg7"
	cfg.Interface.Endpoint = "vpn.example.com"
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config file mode = %o, want 600", perm)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Interface.Name != "wg7" || loaded.Interface.Endpoint != "vpn.example.com" {
		t.Errorf("round trip lost values: %+v", loaded.Interface)
	}
}

func TestOpenRegistryBackends(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()

	cfg.Registry.Backend = BackendMemory
	store, err := cfg.OpenRegistry()
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	store.Close()

	cfg.Registry.Backend = BackendSQLite
	store, err = cfg.OpenRegistry()
	if err != nil {
		t.Fatalf("sqlite backend: %v", err)
	}
	store.Close()

	if _, err := os.Stat(filepath.Join(cfg.DataDir, "registry.db")); err != nil {
		t.Errorf("sqlite file not created under data dir: %v", err)
	}
}

func TestDataPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/wgkeeper"

	if got := cfg.DataPath("registry.db"); got != "/var/lib/wgkeeper/registry.db" {
		t.Errorf("relative path = %q", got)
	}
	if got := cfg.DataPath("/etc/keys.json"); got != "/etc/keys.json" {
		t.Errorf("absolute path = %q, must pass through", got)
	}
}
