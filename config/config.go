// Package config loads pool-manager settings from a yaml file. Programmatic
// construction through manager.Option remains the primary path; the file
// loader is for daemons that embed the manager and want the limits in
// deployment config. Durations are plain integers in milliseconds.
package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration.
type Config struct {
	Pool     PoolConfig     `yaml:"pool"`
	Registry RegistryConfig `yaml:"registry"`
}

// PoolConfig carries the per-destination pool limits.
type PoolConfig struct {
	MaxConns         int `yaml:"max_conns"`
	IdleTimeoutMS    int `yaml:"idle_timeout_ms"`    // 0 disables idle expiry
	ConnectTimeoutMS int `yaml:"connect_timeout_ms"` // 0 uses the built-in default
}

// RegistryConfig points at the destination registry, if any.
type RegistryConfig struct {
	Endpoints []string `yaml:"endpoints"` // empty disables the registry
}

func (c *PoolConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

func (c *PoolConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// Load reads and validates a yaml config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the pool constructor would refuse anyway, so the
// failure happens at startup instead of at first use.
func (c *Config) Validate() error {
	if c.Pool.MaxConns <= 0 {
		return errors.New("config: pool.max_conns must be positive")
	}
	if c.Pool.IdleTimeoutMS < 0 {
		return errors.New("config: pool.idle_timeout_ms must not be negative")
	}
	if c.Pool.ConnectTimeoutMS < 0 {
		return errors.New("config: pool.connect_timeout_ms must not be negative")
	}
	return nil
}
