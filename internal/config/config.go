// Package config provides configuration management.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"riskengine/internal/errors"
	"riskengine/internal/logging"
)

// Config is the main application configuration
type Config struct {
	// Version is the configuration version
	Version string `json:"version"`

	// Engine contains compilation and execution settings
	Engine EngineConfig `json:"engine" validate:"required"`

	// Logging contains logging configuration
	Logging logging.Config `json:"logging"`

	// Server contains HTTP settings
	Server ServerConfig `json:"server"`

	// Metrics contains Prometheus settings
	Metrics MetricsConfig `json:"metrics"`
}

// EngineConfig contains compilation and cycle execution settings
type EngineConfig struct {
	// Workers is the size of the local calculation worker pool
	Workers int `json:"workers" validate:"gte=1,lte=1024"`

	// JobTimeout bounds a single node invocation
	JobTimeout Duration `json:"job_timeout"`

	// RemoteWorkers are addresses of remote calculation workers
	RemoteWorkers []string `json:"remote_workers,omitempty" validate:"dive,hostname_port"`

	// MaxDeltaCycles is the number of delta cycles allowed between full cycles
	MaxDeltaCycles int `json:"max_delta_cycles" validate:"gte=0"`

	// PublishFragments enables per-wave fragment callbacks
	PublishFragments bool `json:"publish_fragments"`

	// RequireAllOutputs fails compilation when any requested output is unresolved
	RequireAllOutputs bool `json:"require_all_outputs"`

	// MaxValidity caps how long a compiled view stays valid
	MaxValidity Duration `json:"max_validity"`
}

// ServerConfig contains HTTP settings
type ServerConfig struct {
	// Addr is the listen address
	Addr string `json:"addr" validate:"required"`

	// WSBuffer is the websocket broadcast buffer size
	WSBuffer int `json:"ws_buffer" validate:"gte=1"`
}

// MetricsConfig contains Prometheus settings
type MetricsConfig struct {
	// Enabled exposes /metrics
	Enabled bool `json:"enabled"`
}

// Duration is a time.Duration that reads and writes as a Go duration string
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns a default configuration
func Default() *Config {
	return &Config{
		Version: "1.0",
		Engine: EngineConfig{
			Workers:        4,
			JobTimeout:     Duration{30 * time.Second},
			MaxDeltaCycles: 10,
			MaxValidity:    Duration{24 * time.Hour},
		},
		Logging: logging.DefaultConfig(),
		Server: ServerConfig{
			Addr:     ":8080",
			WSBuffer: 256,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

var validate = validator.New()

// Validate checks struct constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Config("invalid configuration", err)
	}
	return nil
}

// Load loads configuration from a file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, errors.Config("read config", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, errors.Config("parse config", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
