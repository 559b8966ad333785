package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "/etc/rackvalidator/config.yaml"

const (
	// StoreDriverMemory keeps runs in process memory only.
	StoreDriverMemory = "memory"
	// StoreDriverSQLite persists runs to a local SQLite database.
	StoreDriverSQLite = "sqlite"
	// StoreDriverEtcd shares runs through an etcd cluster.
	StoreDriverEtcd = "etcd"
)

// Config represents the runtime configuration for the rack validator.
type Config struct {
	NodeName              string        `yaml:"node_name"`
	Store                 StoreConfig   `yaml:"store"`
	MaxRetries            int           `yaml:"max_retries"`
	TimeoutSec            int           `yaml:"timeout_sec"`
	SensorNoisePercent    *float64      `yaml:"sensor_noise_percent"`
	EnableRealisticDelays *bool         `yaml:"enable_realistic_delays"`
	RateLimitPerMinute    int           `yaml:"rate_limit_per_minute"`
	Metrics               MetricsConfig `yaml:"metrics"`
}

// StoreConfig selects and configures the run store backend.
type StoreConfig struct {
	Driver        string         `yaml:"driver"`
	Path          string         `yaml:"path"`
	EtcdEndpoints []string       `yaml:"etcd_endpoints"`
	EtcdNamespace string         `yaml:"etcd_namespace"`
	EtcdTLS       *EtcdTLSConfig `yaml:"etcd_tls"`
}

// EtcdTLSConfig configures optional TLS settings for connecting to etcd.
type EtcdTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure_skip_verify"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration populated with the built-in defaults,
// suitable for running without a config file.
func Default() *Config {
	cfg := &Config{NodeName: "rack-validator"}
	cfg.applyDefaults()
	return cfg
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if strings.TrimSpace(c.NodeName) == "" {
		problems = append(problems, "node_name is required")
	}

	switch c.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			problems = append(problems, "store.path is required for the sqlite driver")
		}
	case StoreDriverEtcd:
		if len(c.Store.EtcdEndpoints) == 0 {
			problems = append(problems, "store.etcd_endpoints must contain at least one endpoint for the etcd driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.EtcdTLS != nil && c.Store.EtcdTLS.Enabled {
		if strings.TrimSpace(c.Store.EtcdTLS.CAFile) == "" {
			problems = append(problems, "store.etcd_tls.ca_file is required when TLS is enabled")
		}
		if strings.TrimSpace(c.Store.EtcdTLS.CertFile) == "" {
			problems = append(problems, "store.etcd_tls.cert_file is required when TLS is enabled")
		}
		if strings.TrimSpace(c.Store.EtcdTLS.KeyFile) == "" {
			problems = append(problems, "store.etcd_tls.key_file is required when TLS is enabled")
		}
	}

	if c.MaxRetries < 0 {
		problems = append(problems, "max_retries must be non-negative")
	}
	if c.TimeoutSec <= 0 {
		problems = append(problems, "timeout_sec must be greater than zero")
	}
	if c.SensorNoisePercent != nil {
		if *c.SensorNoisePercent < 0 || *c.SensorNoisePercent > 100 {
			problems = append(problems, "sensor_noise_percent must be within [0,100]")
		}
	}
	if c.RateLimitPerMinute <= 0 {
		problems = append(problems, "rate_limit_per_minute must be greater than zero")
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Store.Driver) == "" {
		c.Store.Driver = StoreDriverSQLite
	}
	if c.Store.Driver == StoreDriverSQLite && strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = "/var/lib/rackvalidator/runs.db"
	}
	if c.Store.Driver == StoreDriverEtcd && strings.TrimSpace(c.Store.EtcdNamespace) == "" {
		c.Store.EtcdNamespace = "/rackvalidator"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.TimeoutSec == 0 {
		c.TimeoutSec = 60
	}
	if c.SensorNoisePercent == nil {
		noise := 2.0
		c.SensorNoisePercent = &noise
	}
	if c.EnableRealisticDelays == nil {
		delays := true
		c.EnableRealisticDelays = &delays
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = 10
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
}

// Timeout returns the per-attempt test timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// SensorNoise returns the configured sensor noise percentage.
func (c *Config) SensorNoise() float64 {
	if c == nil || c.SensorNoisePercent == nil {
		return 0
	}
	return *c.SensorNoisePercent
}

// RealisticDelays reports whether simulated hardware delays are enabled.
func (c *Config) RealisticDelays() bool {
	if c == nil || c.EnableRealisticDelays == nil {
		return false
	}
	return *c.EnableRealisticDelays
}
