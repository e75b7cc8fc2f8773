package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// USBBackend selects how USB CDC-ACM instruments are reached.
type USBBackend string

const (
	USBBackendLibUSB USBBackend = "libusb"
	USBBackendTTY    USBBackend = "tty"

	DefaultCommandTimeoutMS = 5000
	DefaultBLENameFilter    = "BT+BLE_Bridge"
)

// DefaultSetupCommands is the surveyor setup sequence used when none is configured.
var DefaultSetupCommands = []string{"ECHO OFF", "UNITS METRIC", "OUTPUT CSV", "STREAM ON"}

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// ConnectionConfig names the instrument to connect to on startup.
type ConnectionConfig struct {
	Protocol   string `json:"protocol"`
	BLEAddress string `json:"ble_address"`
	USBDevice  string `json:"usb_device"`
}

type BLEConfig struct {
	Adapter     string   `json:"adapter"`
	NameFilters []string `json:"name_filters"`
}

type USBConfig struct {
	Backend USBBackend `json:"backend"`
}

// InstrumentConfig tunes command exchange with the instrument.
type InstrumentConfig struct {
	CommandTimeoutMS int      `json:"command_timeout_ms"`
	SetupCommands    []string `json:"setup_commands"`
}

// NotificationConfig stores desktop notification preferences.
type NotificationConfig struct {
	Enabled bool `json:"enabled"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Connection    ConnectionConfig   `json:"connection"`
	BLE           BLEConfig          `json:"ble"`
	USB           USBConfig          `json:"usb"`
	Instrument    InstrumentConfig   `json:"instrument"`
	Logging       LoggingConfig      `json:"logging"`
	Notifications NotificationConfig `json:"notifications"`
}

func Default() AppConfig {
	return AppConfig{
		Connection: ConnectionConfig{
			Protocol: "none",
		},
		BLE: BLEConfig{
			NameFilters: []string{DefaultBLENameFilter},
		},
		USB: USBConfig{
			Backend: USBBackendLibUSB,
		},
		Instrument: InstrumentConfig{
			CommandTimeoutMS: DefaultCommandTimeoutMS,
			SetupCommands:    append([]string(nil), DefaultSetupCommands...),
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
		Notifications: NotificationConfig{
			Enabled: true,
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by app runtime and points to user config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	c.Connection.Protocol = strings.ToLower(strings.TrimSpace(c.Connection.Protocol))
	if c.Connection.Protocol == "" {
		c.Connection.Protocol = "none"
	}
	c.BLE.NameFilters = normalizeFilters(c.BLE.NameFilters)
	if len(c.BLE.NameFilters) == 0 {
		c.BLE.NameFilters = []string{DefaultBLENameFilter}
	}
	if c.USB.Backend == "" {
		c.USB.Backend = USBBackendLibUSB
	}
	if c.Instrument.CommandTimeoutMS <= 0 {
		c.Instrument.CommandTimeoutMS = DefaultCommandTimeoutMS
	}
	if c.Instrument.SetupCommands == nil {
		c.Instrument.SetupCommands = append([]string(nil), DefaultSetupCommands...)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func normalizeFilters(filters []string) []string {
	out := make([]string, 0, len(filters))
	for _, f := range filters {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			out = append(out, trimmed)
		}
	}

	return out
}

func (c AppConfig) Validate() error {
	switch c.Connection.Protocol {
	case "", "none":
	case "ble":
		if strings.TrimSpace(c.Connection.BLEAddress) == "" {
			return errors.New("ble address is required")
		}
	case "usb":
		if strings.TrimSpace(c.Connection.USBDevice) == "" {
			return errors.New("usb device is required")
		}
	default:
		return fmt.Errorf("unknown protocol: %s", c.Connection.Protocol)
	}

	switch c.USB.Backend {
	case USBBackendLibUSB, USBBackendTTY:
	default:
		return fmt.Errorf("unknown usb backend: %s", c.USB.Backend)
	}

	if c.Instrument.CommandTimeoutMS <= 0 {
		return errors.New("command timeout must be positive")
	}
	for i, cmd := range c.Instrument.SetupCommands {
		if strings.ContainsAny(cmd, "\r\n") {
			return fmt.Errorf("setup command %d contains a line break", i+1)
		}
	}

	return nil
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
