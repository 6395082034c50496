package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Cache     CacheConfig     `yaml:"cache"`
	BLE       BLEConfig       `yaml:"ble"`
	Keepalive KeepaliveConfig `yaml:"keepalive"`
	HTTP      HTTPConfig      `yaml:"http"`
	LogLevel  string          `yaml:"log_level"`
}

// SiteConfig selects the installation to control.
type SiteConfig struct {
	ID   string `yaml:"id"`   // optional; when set the topology must match
	File string `yaml:"file"` // YAML topology export
}

// CacheConfig controls the sealed on-disk copy of the topology.
type CacheConfig struct {
	Path   string `yaml:"path"` // empty disables the cache
	Secret string `yaml:"secret"`
}

// BLEConfig holds connection settings.
type BLEConfig struct {
	ConnectAttempts int           `yaml:"connect_attempts"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
}

// KeepaliveConfig holds the liveness schedule.
type KeepaliveConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"` // while changes are confirmed by polling
	PushInterval     time.Duration `yaml:"push_interval"` // while the mesh pushes notifications
	TimeSyncInterval time.Duration `yaml:"time_sync_interval"`
	MaxPingFailures  int           `yaml:"max_ping_failures"`
}

// HTTPConfig holds the control API settings.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "plejd-mesh")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Site: SiteConfig{
			File: filepath.Join(DefaultConfigDir(), "site.yaml"),
		},
		BLE: BLEConfig{
			ConnectAttempts: 3,
			BackoffBase:     time.Second,
			BackoffMax:      30 * time.Second,
			SettleDelay:     2 * time.Second,
			ScanTimeout:     10 * time.Second,
		},
		Keepalive: KeepaliveConfig{
			PollInterval:     10 * time.Second,
			PushInterval:     10 * time.Minute,
			TimeSyncInterval: time.Hour,
			MaxPingFailures:  3,
		},
		HTTP: HTTPConfig{
			Listen: "127.0.0.1:8080",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in file paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Site.File = expandTilde(cfg.Site.File)
	cfg.Cache.Path = expandTilde(cfg.Cache.Path)

	return cfg, nil
}

const defaultHeader = `# plejd-mesh configuration
# Durations use Go syntax (10s, 5m, 1h).
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Site.ID != "" {
		if _, err := uuid.Parse(c.Site.ID); err != nil {
			return fmt.Errorf("site.id must be a UUID, got %q", c.Site.ID)
		}
	}
	if c.Site.File == "" {
		return fmt.Errorf("site.file must not be empty")
	}

	if c.Cache.Path != "" && c.Cache.Secret == "" {
		return fmt.Errorf("cache.secret must be set when cache.path is set")
	}

	if c.BLE.ConnectAttempts <= 0 {
		return fmt.Errorf("ble.connect_attempts must be > 0")
	}
	if c.BLE.BackoffBase < 0 {
		return fmt.Errorf("ble.backoff_base must not be negative")
	}
	if c.BLE.BackoffMax < c.BLE.BackoffBase {
		return fmt.Errorf("ble.backoff_max must be >= ble.backoff_base")
	}
	if c.BLE.SettleDelay < 0 {
		return fmt.Errorf("ble.settle_delay must not be negative")
	}
	if c.BLE.ScanTimeout <= 0 {
		return fmt.Errorf("ble.scan_timeout must be > 0")
	}

	if c.Keepalive.PollInterval <= 0 {
		return fmt.Errorf("keepalive.poll_interval must be > 0")
	}
	if c.Keepalive.PushInterval < c.Keepalive.PollInterval {
		return fmt.Errorf("keepalive.push_interval must be >= keepalive.poll_interval")
	}
	if c.Keepalive.TimeSyncInterval < 0 {
		return fmt.Errorf("keepalive.time_sync_interval must not be negative")
	}
	if c.Keepalive.MaxPingFailures <= 0 {
		return fmt.Errorf("keepalive.max_ping_failures must be > 0")
	}

	if c.HTTP.Enabled {
		if _, _, err := net.SplitHostPort(c.HTTP.Listen); err != nil {
			return fmt.Errorf("http.listen must be host:port, got %q", c.HTTP.Listen)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values
// map to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
