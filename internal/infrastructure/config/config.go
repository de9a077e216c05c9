package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the LaCrosse gateway tool.
// All configuration is loaded from YAML and can be overridden by environment
// variables.
type Config struct {
	Gateway   GatewayConfig     `yaml:"gateway"`
	Inventory InventoryConfig   `yaml:"inventory"`
	Logging   LoggingConfig     `yaml:"logging"`
	Sensors   map[string]string `yaml:"sensors"`
}

// GatewayConfig contains gateway connection settings. Timeouts are in
// seconds.
type GatewayConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ConnectTimeout int    `yaml:"connect_timeout"`
	ReadTimeout    int    `yaml:"read_timeout"`
	WriteTimeout   int    `yaml:"write_timeout"`
	InfoAttempts   int    `yaml:"info_attempts"`
}

// InventoryConfig contains the SQLite sensor inventory settings.
type InventoryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable
// overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: LACROSSEGW_SECTION_KEY
// For example: LACROSSEGW_GATEWAY_HOST, LACROSSEGW_INVENTORY_PATH
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the default configuration with environment variable
// overrides applied. Used when no config file exists at the default path;
// the gateway host then has to come from the command line or environment.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port:           81,
			ConnectTimeout: 10,
			ReadTimeout:    30,
			WriteTimeout:   5,
			InfoAttempts:   3,
		},
		Inventory: InventoryConfig{
			Enabled:     true,
			Path:        "./data/lacrossegw.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Sensors: map[string]string{},
	}
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Environment variables follow the pattern:
// LACROSSEGW_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Gateway
	if v := os.Getenv("LACROSSEGW_GATEWAY_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("LACROSSEGW_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}

	// Inventory
	if v := os.Getenv("LACROSSEGW_INVENTORY_PATH"); v != "" {
		cfg.Inventory.Path = v
	}

	// Logging
	if v := os.Getenv("LACROSSEGW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// The gateway host is deliberately not required here: it may be supplied on
// the command line, and the connection layer rejects a missing host with a
// clear error of its own.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Gateway validation
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 1 and 65535")
	}
	if c.Gateway.ConnectTimeout < 0 || c.Gateway.ReadTimeout < 0 || c.Gateway.WriteTimeout < 0 {
		errs = append(errs, "gateway timeouts must not be negative")
	}
	if c.Gateway.InfoAttempts < 0 {
		errs = append(errs, "gateway.info_attempts must not be negative")
	}

	// Inventory validation
	if c.Inventory.Enabled && c.Inventory.Path == "" {
		errs = append(errs, "inventory.path is required when the inventory is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// SensorName looks up the human-readable name for a sensor id.
//
// Sensor ids are four hex digits; the lookup is case-insensitive so config
// files may write them in either case.
func (c *Config) SensorName(sensorID string) (string, bool) {
	if name, ok := c.Sensors[sensorID]; ok {
		return name, true
	}
	for id, name := range c.Sensors {
		if strings.EqualFold(id, sensorID) {
			return name, true
		}
	}
	return "", false
}

// GetConnectTimeout returns the gateway connect timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.Gateway.ConnectTimeout) * time.Second
}

// GetReadTimeout returns the gateway read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Gateway.ReadTimeout) * time.Second
}

// GetWriteTimeout returns the gateway write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Gateway.WriteTimeout) * time.Second
}
