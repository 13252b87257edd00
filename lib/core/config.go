// Package core holds service configuration and wires the storage
// backends the reconciliation engine runs on.
package core

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/wgkeeper/wgkeeper/lib/keystore"
	"github.com/wgkeeper/wgkeeper/lib/registry"
)

// Default configuration values
const (
	DefaultInterfaceName      = "wg0"
	DefaultAddress            = "10.8.0.0/24"
	DefaultListenPort         = 51820
	DefaultMTU                = 1420
	DefaultHandshakeThreshold = 3 * time.Minute
	DefaultCommandTimeout     = 10 * time.Second
	DefaultRestartRate        = 1.0 / 60
	DefaultRestartBurst       = 2
)

// Registry backends.
const (
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
	BackendMemory = "memory"
)

// Keystore backends.
const (
	KeystoreFile   = "file"
	KeystoreMemory = "memory"
)

// Duration wraps time.Duration so TOML values can be written as strings
// like "3m" or "10s".
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config holds all configuration for the wgkeeper service.
type Config struct {
	// DataDir is the directory where persistent data is stored.
	DataDir string `toml:"data_dir"`

	Interface  InterfaceConfig  `toml:"interface"`
	Registry   RegistryConfig   `toml:"registry"`
	Reconciler ReconcilerConfig `toml:"reconciler"`
	Log        LogConfig        `toml:"log"`
}

// InterfaceConfig describes the managed interface.
type InterfaceConfig struct {
	// Name is the interface name, e.g. "wg0".
	Name string `toml:"name"`
	// Address is the interface address block in CIDR form.
	Address string `toml:"address"`
	// ListenPort is the UDP port the interface listens on.
	ListenPort int `toml:"listen_port"`
	// DNS servers pushed to clients.
	DNS []string `toml:"dns"`
	MTU int      `toml:"mtu"`
	// Endpoint is the public host clients connect to.
	Endpoint string `toml:"endpoint"`
}

// RegistryConfig selects and configures the peer registry backend.
type RegistryConfig struct {
	// Backend is one of sqlite, mysql, memory.
	Backend string `toml:"backend"`
	// Path is the sqlite database file (relative paths resolve under DataDir).
	Path string `toml:"path"`
	// DSN is the mysql connection string. Usually supplied via the
	// WGKEEPER_REGISTRY_DSN environment variable rather than the file.
	DSN string `toml:"dsn,omitempty"`
}

// ReconcilerConfig tunes the reconciliation engine.
type ReconcilerConfig struct {
	// ConfigPath is the interface config file; defaults to
	// /etc/wireguard/<name>.conf.
	ConfigPath string `toml:"config_path"`
	// HandshakeThreshold is the window within which a handshake counts
	// as connected.
	HandshakeThreshold Duration `toml:"handshake_threshold"`
	// CommandTimeout bounds each control-plane command.
	CommandTimeout Duration `toml:"command_timeout"`
	// RestartRate and RestartBurst feed the restart token bucket.
	RestartRate  float64 `toml:"restart_rate"`
	RestartBurst int     `toml:"restart_burst"`
	// Keystore is one of file, memory.
	Keystore string `toml:"keystore"`
	// KeystorePath is the key material file for the file backend.
	KeystorePath string `toml:"keystore_path"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	// Level is a logrus level name; defaults to info.
	Level string `toml:"level"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".wgkeeper")

	return &Config{
		DataDir: dataDir,
		Interface: InterfaceConfig{
			Name:       DefaultInterfaceName,
			Address:    DefaultAddress,
			ListenPort: DefaultListenPort,
			MTU:        DefaultMTU,
		},
		Registry: RegistryConfig{
			Backend: BackendSQLite,
			Path:    "registry.db",
		},
		Reconciler: ReconcilerConfig{
			HandshakeThreshold: Duration(DefaultHandshakeThreshold),
			CommandTimeout:     Duration(DefaultCommandTimeout),
			RestartRate:        DefaultRestartRate,
			RestartBurst:       DefaultRestartBurst,
			Keystore:           KeystoreFile,
			KeystorePath:       "keys.json",
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig reads configuration from a TOML file, then overlays values
// from the environment (a .env file in the working directory is loaded
// first if present). A missing config file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Missing .env is fine; explicit environment still applies.
	_ = godotenv.Load()
	cfg.applyEnv()

	if cfg.Reconciler.ConfigPath == "" {
		cfg.Reconciler.ConfigPath = "/etc/wireguard/" + cfg.Interface.Name + ".conf"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays WGKEEPER_* environment variables over the file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("WGKEEPER_INTERFACE"); v != "" {
		c.Interface.Name = v
	}
	if v := os.Getenv("WGKEEPER_ENDPOINT"); v != "" {
		c.Interface.Endpoint = v
	}
	if v := os.Getenv("WGKEEPER_LISTEN_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Interface.ListenPort = n
		}
	}
	if v := os.Getenv("WGKEEPER_REGISTRY_BACKEND"); v != "" {
		c.Registry.Backend = v
	}
	if v := os.Getenv("WGKEEPER_REGISTRY_DSN"); v != "" {
		c.Registry.DSN = v
	}
	if v := os.Getenv("WGKEEPER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// SaveConfig writes the configuration to a TOML file.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.Interface.Name == "" {
		return errors.New("interface.name is required")
	}
	if _, err := netip.ParsePrefix(c.Interface.Address); err != nil {
		return fmt.Errorf("interface.address must be an IPv4 CIDR: %w", err)
	}
	if c.Interface.ListenPort < 1 || c.Interface.ListenPort > 65535 {
		return errors.New("interface.listen_port must be between 1 and 65535")
	}
	switch c.Registry.Backend {
	case BackendSQLite, BackendMemory:
	case BackendMySQL:
		if c.Registry.DSN == "" {
			return errors.New("registry.dsn is required for the mysql backend")
		}
	default:
		return fmt.Errorf("unknown registry backend %q", c.Registry.Backend)
	}
	switch c.Reconciler.Keystore {
	case KeystoreFile, KeystoreMemory:
	default:
		return fmt.Errorf("unknown keystore backend %q", c.Reconciler.Keystore)
	}
	if c.Reconciler.HandshakeThreshold <= 0 {
		return errors.New("reconciler.handshake_threshold must be positive")
	}
	if c.Reconciler.CommandTimeout <= 0 {
		return errors.New("reconciler.command_timeout must be positive")
	}
	if c.Reconciler.RestartBurst < 1 {
		return errors.New("reconciler.restart_burst must be at least 1")
	}
	return nil
}

// DataPath resolves a path under the data directory; absolute paths pass
// through unchanged.
func (c *Config) DataPath(elem string) string {
	if filepath.IsAbs(elem) {
		return elem
	}
	return filepath.Join(c.DataDir, elem)
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0700)
}

// OpenRegistry opens the configured registry backend.
func (c *Config) OpenRegistry() (registry.Store, error) {
	switch c.Registry.Backend {
	case BackendSQLite:
		return registry.OpenSQLite(c.DataPath(c.Registry.Path))
	case BackendMySQL:
		return registry.OpenMySQL(c.Registry.DSN)
	case BackendMemory:
		return registry.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", c.Registry.Backend)
	}
}

// OpenKeystore opens the configured key material store.
func (c *Config) OpenKeystore() (keystore.Store, error) {
	switch c.Reconciler.Keystore {
	case KeystoreFile:
		return keystore.OpenFileStore(c.DataPath(c.Reconciler.KeystorePath))
	case KeystoreMemory:
		return keystore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown keystore backend %q", c.Reconciler.Keystore)
	}
}
