package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all coalesce configuration.
type Config struct {
	Listen  string        `yaml:"listen"`
	DBPath  string        `yaml:"db_path"`
	Cache   CacheConfig   `yaml:"cache"`
	Batch   BatchConfig   `yaml:"batch"`
	Gateway GatewayConfig `yaml:"gateway"`
}

// CacheConfig controls the result cache.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	MaxEntries int64         `yaml:"max_entries"`

	// SimilarityThreshold is reserved for semantic cache matching.
	// It is parsed and validated but not consulted by any lookup path.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// BatchConfig controls request coalescing and fan-out.
type BatchConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Size           int           `yaml:"size"`
	FlushTimeout   time.Duration `yaml:"flush_timeout"`
	MaxConcurrent  int64         `yaml:"max_concurrent"`
	QueueSize      int           `yaml:"queue_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// GatewayConfig controls the synchronous entry point.
type GatewayConfig struct {
	// WaitTimeout bounds how long a caller blocks waiting for its
	// batch to complete.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "coalesce.db",
		Cache: CacheConfig{
			Enabled:             true,
			DefaultTTL:          time.Hour,
			MaxEntries:          10000,
			SimilarityThreshold: 0.95,
		},
		Batch: BatchConfig{
			Enabled:        true,
			Size:           10,
			FlushTimeout:   500 * time.Millisecond,
			MaxConcurrent:  50,
			QueueSize:      1000,
			RequestTimeout: 30 * time.Second,
		},
		Gateway: GatewayConfig{
			WaitTimeout: 30 * time.Second,
		},
	}
}

// Load reads a YAML config file, expands environment variables, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every tunable against its allowed range.
func (c *Config) Validate() error {
	if c.Cache.DefaultTTL < time.Minute || c.Cache.DefaultTTL > 7*24*time.Hour {
		return fmt.Errorf("cache.default_ttl must be between 1m and 168h, got %v", c.Cache.DefaultTTL)
	}
	if c.Cache.MaxEntries < 100 || c.Cache.MaxEntries > 1000000 {
		return fmt.Errorf("cache.max_entries must be between 100 and 1000000, got %d", c.Cache.MaxEntries)
	}
	if c.Batch.Size < 1 || c.Batch.Size > 100 {
		return fmt.Errorf("batch.size must be between 1 and 100, got %d", c.Batch.Size)
	}
	if c.Batch.FlushTimeout < 100*time.Millisecond || c.Batch.FlushTimeout > 5*time.Second {
		return fmt.Errorf("batch.flush_timeout must be between 100ms and 5s, got %v", c.Batch.FlushTimeout)
	}
	if c.Batch.MaxConcurrent < 1 || c.Batch.MaxConcurrent > 200 {
		return fmt.Errorf("batch.max_concurrent must be between 1 and 200, got %d", c.Batch.MaxConcurrent)
	}
	if c.Batch.QueueSize < 1 {
		return fmt.Errorf("batch.queue_size must be positive, got %d", c.Batch.QueueSize)
	}
	if c.Batch.RequestTimeout <= 0 {
		return fmt.Errorf("batch.request_timeout must be positive, got %v", c.Batch.RequestTimeout)
	}
	if c.Gateway.WaitTimeout <= 0 {
		return fmt.Errorf("gateway.wait_timeout must be positive, got %v", c.Gateway.WaitTimeout)
	}
	return nil
}
