// Package config handles moonbridge configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/moonbridge/config.yaml,
// /etc/moonbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "moonbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/moonbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all moonbridge configuration.
type Config struct {
	Moonraker MoonrakerConfig `yaml:"moonraker"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Health    HealthConfig    `yaml:"health"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
}

// MoonrakerConfig defines the printer API server connection.
type MoonrakerConfig struct {
	// URL is the base HTTP URL of the Moonraker instance
	// (e.g. http://voron.local:7125). The WebSocket endpoint is
	// derived from it.
	URL string `yaml:"url"`
	// PollIntervalSec is how often to refresh printer state (default 30).
	PollIntervalSec int `yaml:"poll_interval_sec"`
	// VerifyTLS disables certificate checks when false. Printers on the
	// LAN commonly run self-signed HTTPS.
	VerifyTLS bool `yaml:"verify_tls"`
}

// MQTTConfig defines the Home Assistant MQTT discovery settings.
// Leave Broker empty to run without MQTT publishing.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // e.g. mqtt://broker.local:1883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	// DeviceName is the topic-safe name the printer appears under
	// (default: "printer").
	DeviceName string `yaml:"device_name"`
	// DiscoveryPrefix is the HA discovery topic prefix (default:
	// "homeassistant").
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// Configured reports whether MQTT publishing is enabled.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// HealthConfig defines the local health/status HTTP endpoint.
type HealthConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 7130
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Moonraker: MoonrakerConfig{
			PollIntervalSec: 30,
		},
		MQTT: MQTTConfig{
			DeviceName:      "printer",
			DiscoveryPrefix: "homeassistant",
		},
		Health: HealthConfig{
			Port: 7130,
		},
		DataDir: "data",
	}
}

// applyDefaults fills in zero-value fields a YAML file may have
// overwritten with empty values.
func (c *Config) applyDefaults() {
	if c.Moonraker.PollIntervalSec <= 0 {
		c.Moonraker.PollIntervalSec = 30
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "printer"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.Health.Port == 0 {
		c.Health.Port = 7130
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
}

// Validate checks the configuration for errors that would prevent
// startup. Fields with usable defaults are not validated here.
func (c *Config) Validate() error {
	if c.Moonraker.URL == "" {
		return fmt.Errorf("moonraker.url is required")
	}
	u, err := url.Parse(c.Moonraker.URL)
	if err != nil {
		return fmt.Errorf("moonraker.url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("moonraker.url: unsupported scheme %q", u.Scheme)
	}

	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}

	return nil
}
