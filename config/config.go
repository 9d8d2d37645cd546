// Package config loads the engine configuration from YAML files and
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends for the rule store.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Id generators.
const (
	GeneratorSequence  = "sequence"
	GeneratorSnowflake = "snowflake"
)

// Config is the root configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	IDs     IDConfig      `yaml:"ids"`
	Events  EventsConfig  `yaml:"events"`
}

// LogConfig describes logger settings.
type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"` // json or console
}

// StorageConfig selects where rules and selectors live. Workflow definitions
// and instances are always kept in memory.
type StorageConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig describes the Redis rule store connection.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// IDConfig describes how the in-memory stores allocate ids.
type IDConfig struct {
	Generator string `yaml:"generator"`
	MachineID uint16 `yaml:"machine_id"` // snowflake only
}

// EventsConfig describes the event bus.
type EventsConfig struct {
	BufferSize  int           `yaml:"buffer_size"`
	SyncTimeout time.Duration `yaml:"sync_timeout"`
}

// Defaults returns a Config that runs entirely in memory.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				PoolSize:     10,
				MinIdleConns: 2,
				IdleTimeout:  5 * time.Minute,
			},
		},
		IDs: IDConfig{
			Generator: GeneratorSequence,
		},
		Events: EventsConfig{
			BufferSize:  1000,
			SyncTimeout: 5 * time.Second,
		},
	}
}

// Load reads a YAML config file over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// FromEnv returns the defaults with environment overrides applied.
func FromEnv() (*Config, error) {
	cfg := Defaults()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that every field holds a usable value.
func (c *Config) Validate() error {
	var errs []string

	switch c.Log.Encoding {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log.encoding %q must be json or console", c.Log.Encoding))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, "storage.redis.addr is required for the redis backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q must be memory or redis", c.Storage.Backend))
	}
	switch c.IDs.Generator {
	case GeneratorSequence, GeneratorSnowflake:
	default:
		errs = append(errs, fmt.Sprintf("ids.generator %q must be sequence or snowflake", c.IDs.Generator))
	}
	if c.Events.BufferSize < 1 {
		errs = append(errs, "events.buffer_size must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads WORKFLOW_* environment variables. Malformed numbers
// are ignored.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WORKFLOW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("WORKFLOW_LOG_ENCODING"); v != "" {
		cfg.Log.Encoding = v
	}
	if v := os.Getenv("WORKFLOW_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("WORKFLOW_REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
	}
	if v := os.Getenv("WORKFLOW_REDIS_PASSWORD"); v != "" {
		cfg.Storage.Redis.Password = v
	}
	if v := os.Getenv("WORKFLOW_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Storage.Redis.DB = db
		}
	}
	if v := os.Getenv("WORKFLOW_IDS_GENERATOR"); v != "" {
		cfg.IDs.Generator = v
	}
	if v := os.Getenv("WORKFLOW_IDS_MACHINE_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.IDs.MachineID = uint16(id)
		}
	}
	if v := os.Getenv("WORKFLOW_EVENTS_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Events.BufferSize = n
		}
	}
}
