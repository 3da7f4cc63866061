// Package config loads and validates the application configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	// ListenAddr is the address the presentation API binds to.
	ListenAddr string `yaml:"listen_addr" validate:"required,hostname_port"`

	// StorageDir holds the profile catalog and the controller settings record.
	StorageDir string `yaml:"storage_dir" validate:"required"`

	// FollowUpTime is how long sampling continues after a run ends.
	FollowUpTime time.Duration `yaml:"follow_up_time" validate:"min=0"`

	// SimPollInterval paces the simulated device's sampling loop.
	SimPollInterval time.Duration `yaml:"sim_poll_interval" validate:"gt=0"`

	// HardwarePollInterval paces the hardware device's sampling loop.
	HardwarePollInterval time.Duration `yaml:"hardware_poll_interval" validate:"gt=0"`

	Log  Log  `yaml:"log"`
	MQTT MQTT `yaml:"mqtt"`
}

// Log configures the logger sinks.
type Log struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"min=0"`
	MaxBackups int    `yaml:"max_backups" validate:"min=0"`
}

// MQTT configures the optional telemetry publisher. An empty broker
// disables publishing.
type MQTT struct {
	Broker   string        `yaml:"broker"`
	ClientID string        `yaml:"client_id"`
	Topic    string        `yaml:"topic"`
	Interval time.Duration `yaml:"interval" validate:"min=0"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr:           "127.0.0.1:8080",
		StorageDir:           "storage",
		FollowUpTime:         30 * time.Second,
		SimPollInterval:      3 * time.Second,
		HardwarePollInterval: 2 * time.Second,
		MQTT: MQTT{
			ClientID: "ovenctl",
			Topic:    "ovenctl",
			Interval: 5 * time.Second,
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for obvious issues.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
