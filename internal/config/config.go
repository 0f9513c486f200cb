// Package config loads daemon configuration from the environment, with an
// optional .env file for local development. Priority: ENV vars > .env > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/lxbio/linkbandd/internal/sensor"
)

// Config holds all linkbandd configuration.
type Config struct {
	// HTTP control plane + WebSocket stream
	Addr         string `env:"LINKBAND_ADDR" envDefault:":8121"`
	LegacyWSAddr string `env:"LINKBAND_LEGACY_WS_ADDR" envDefault:":18765"` // empty disables the extra listener
	MaxClients   int    `env:"LINKBAND_MAX_CLIENTS" envDefault:"64"`
	ClientQueue  int    `env:"LINKBAND_CLIENT_QUEUE" envDefault:"256"` // per-client send buffer (messages)

	// Device link
	DeviceNamePrefix string        `env:"LINKBAND_DEVICE_PREFIX" envDefault:"LXB"`
	ScanTimeout      time.Duration `env:"LINKBAND_SCAN_TIMEOUT" envDefault:"10s"`
	ConnectTimeout   time.Duration `env:"LINKBAND_CONNECT_TIMEOUT" envDefault:"10s"`
	ReconnectCap     time.Duration `env:"LINKBAND_RECONNECT_CAP" envDefault:"30s"`
	Simulate         bool          `env:"LINKBAND_SIMULATE" envDefault:"false"`
	Sensors          []string      `env:"LINKBAND_SENSORS" envDefault:"eeg,ppg,acc,bat" envSeparator:","`

	// Signal processing
	NotchHz float64 `env:"LINKBAND_NOTCH_HZ" envDefault:"60"` // mains frequency: 50 or 60

	// Storage
	DataDir      string `env:"LINKBAND_DATA_DIR" envDefault:""`          // empty = platform default
	RecordFormat string `env:"LINKBAND_RECORD_FORMAT" envDefault:"json"` // json (newline-delimited) or csv

	// Monitoring
	MonitorInterval time.Duration `env:"LINKBAND_MONITOR_INTERVAL" envDefault:"1s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (if present) and the
// environment. The logger may be nil during early startup.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.DataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve data dir: %w", err)
		}
		cfg.DataDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("LINKBAND_ADDR is required")
	}
	if c.MaxClients < 1 {
		return fmt.Errorf("LINKBAND_MAX_CLIENTS must be > 0, got %d", c.MaxClients)
	}
	if c.ClientQueue < 1 {
		return fmt.Errorf("LINKBAND_CLIENT_QUEUE must be > 0, got %d", c.ClientQueue)
	}
	if c.ScanTimeout <= 0 {
		return fmt.Errorf("LINKBAND_SCAN_TIMEOUT must be > 0, got %s", c.ScanTimeout)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("LINKBAND_CONNECT_TIMEOUT must be > 0, got %s", c.ConnectTimeout)
	}
	if c.ReconnectCap < time.Second {
		return fmt.Errorf("LINKBAND_RECONNECT_CAP must be >= 1s, got %s", c.ReconnectCap)
	}
	if len(c.Sensors) == 0 {
		return fmt.Errorf("LINKBAND_SENSORS must name at least one sensor")
	}
	for _, s := range c.Sensors {
		if _, err := sensor.ParseKind(s); err != nil {
			return fmt.Errorf("LINKBAND_SENSORS: %w", err)
		}
	}

	if c.NotchHz != 50 && c.NotchHz != 60 {
		return fmt.Errorf("LINKBAND_NOTCH_HZ must be 50 or 60, got %g", c.NotchHz)
	}

	if c.RecordFormat != "json" && c.RecordFormat != "csv" {
		return fmt.Errorf("LINKBAND_RECORD_FORMAT must be json or csv (got: %s)", c.RecordFormat)
	}

	if c.MonitorInterval < 100*time.Millisecond {
		return fmt.Errorf("LINKBAND_MONITOR_INTERVAL must be >= 100ms, got %s", c.MonitorInterval)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be json or pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// EnabledKinds returns the configured sensor subset as parsed kinds.
// Validate has already rejected unknown names.
func (c *Config) EnabledKinds() []sensor.Kind {
	kinds := make([]sensor.Kind, 0, len(c.Sensors))
	for _, s := range c.Sensors {
		k, err := sensor.ParseKind(s)
		if err != nil {
			continue
		}
		kinds = append(kinds, k)
	}
	return kinds
}

// ExportDir is where recorded sessions land and exports are staged.
func (c *Config) ExportDir() string {
	return filepath.Join(c.DataDir, "Exports")
}

// CatalogueFile is the SQLite database holding the device registry and
// session index.
func (c *Config) CatalogueFile() string {
	return filepath.Join(c.DataDir, "linkband.db")
}

// defaultDataDir resolves the per-platform application data root:
// %APPDATA%\LinkBand on Windows, ~/Library/Application Support/LinkBand
// on macOS, ~/.config/LinkBand elsewhere.
func defaultDataDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA is not set")
		}
		return filepath.Join(appData, "LinkBand"), nil
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "LinkBand"), nil
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "LinkBand"), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", "LinkBand"), nil
	}
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("legacy_ws_addr", c.LegacyWSAddr).
		Int("max_clients", c.MaxClients).
		Int("client_queue", c.ClientQueue).
		Str("device_prefix", c.DeviceNamePrefix).
		Dur("scan_timeout", c.ScanTimeout).
		Dur("connect_timeout", c.ConnectTimeout).
		Dur("reconnect_cap", c.ReconnectCap).
		Bool("simulate", c.Simulate).
		Strs("sensors", c.Sensors).
		Float64("notch_hz", c.NotchHz).
		Str("data_dir", c.DataDir).
		Str("record_format", c.RecordFormat).
		Dur("monitor_interval", c.MonitorInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
