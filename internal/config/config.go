package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	DeviceName string          `yaml:"device_name"`
	LogLevel   string          `yaml:"log_level"`
	BLE        BLEConfig       `yaml:"ble"`
	Notify     NotifyConfig    `yaml:"notify"`
	Lifecycle  LifecycleConfig `yaml:"lifecycle"`
	Read       ReadConfig      `yaml:"read"`
	Sink       SinkConfig      `yaml:"sink"`
}

// BLEConfig selects the host backend.
type BLEConfig struct {
	Backend   string `yaml:"backend"`    // "bluez", "hci" or "tinygo"
	AdapterID string `yaml:"adapter_id"` // BlueZ adapter name
	HCIDevice int    `yaml:"hci_device"` // raw HCI device, -1 for any
}

// NotifyConfig holds notification timer settings.
type NotifyConfig struct {
	Period      time.Duration `yaml:"period"`
	MaxFailures int           `yaml:"max_failures"`
}

// LifecycleConfig holds supervisory loop settings.
type LifecycleConfig struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	AdvertiseRetryMax int           `yaml:"advertise_retry_max"` // seconds
}

// ReadConfig holds the payload returned for characteristic reads.
type ReadConfig struct {
	Payload string `yaml:"payload"`
}

// SinkConfig controls where client writes go. They are always logged;
// a non-empty Path also appends them to that file.
type SinkConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "ble-server")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		DeviceName: "BLE-Server",
		LogLevel:   "info",
		BLE: BLEConfig{
			Backend:   "bluez",
			AdapterID: "hci0",
			HCIDevice: -1,
		},
		Notify: NotifyConfig{
			Period:      20 * time.Second,
			MaxFailures: 5,
		},
		Lifecycle: LifecycleConfig{
			InactivityTimeout: 100 * time.Second,
			PollInterval:      100 * time.Millisecond,
			AdvertiseRetryMax: 30,
		},
		Read: ReadConfig{
			Payload: "test send/read from server",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in sink.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Sink.Path = expandTilde(cfg.Sink.Path)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	header := "# ble-server configuration\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.DeviceName == "" {
		return fmt.Errorf("device_name must not be empty")
	}
	// Name plus flags and a 16-bit service UUID must fit a 31-byte
	// advertising packet.
	if len(c.DeviceName) > 23 {
		return fmt.Errorf("device_name must be at most 23 bytes, got %d", len(c.DeviceName))
	}

	switch c.BLE.Backend {
	case "bluez", "hci", "tinygo":
	default:
		return fmt.Errorf("ble.backend must be bluez, hci, or tinygo, got %q", c.BLE.Backend)
	}

	if c.BLE.Backend == "bluez" && c.BLE.AdapterID == "" {
		return fmt.Errorf("ble.adapter_id must not be empty for the bluez backend")
	}

	if c.BLE.HCIDevice < -1 {
		return fmt.Errorf("ble.hci_device must be >= -1, got %d", c.BLE.HCIDevice)
	}

	if c.Notify.Period <= 0 {
		return fmt.Errorf("notify.period must be > 0")
	}

	if c.Notify.MaxFailures <= 0 {
		return fmt.Errorf("notify.max_failures must be > 0")
	}

	if c.Lifecycle.InactivityTimeout <= 0 {
		return fmt.Errorf("lifecycle.inactivity_timeout must be > 0")
	}

	if c.Lifecycle.PollInterval <= 0 {
		return fmt.Errorf("lifecycle.poll_interval must be > 0")
	}

	if c.Lifecycle.PollInterval >= c.Lifecycle.InactivityTimeout {
		return fmt.Errorf("lifecycle.poll_interval (%s) must be shorter than lifecycle.inactivity_timeout (%s)",
			c.Lifecycle.PollInterval, c.Lifecycle.InactivityTimeout)
	}

	if c.Lifecycle.AdvertiseRetryMax <= 0 {
		return fmt.Errorf("lifecycle.advertise_retry_max must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a config log level to a slog.Level. Unknown values
// map to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
