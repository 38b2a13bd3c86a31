// Package config provides configuration structures for the poolkeeper daemon and CLI.
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/TFMV/poolkeeper/pkg/infrastructure/pool"
)

// EnvPrefix is the prefix for environment overrides, e.g. POOLKEEPER_DATABASE_HOST.
const EnvPrefix = "POOLKEEPER"

// Config represents the daemon configuration.
type Config struct {
	// gRPC listener carrying the health and reflection services
	Address         string        `yaml:"address" json:"address" mapstructure:"address"`
	LogLevel        string        `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	Reflection      bool          `yaml:"reflection" json:"reflection" mapstructure:"reflection"`

	Database pool.Config   `yaml:"database" json:"database" mapstructure:"database"`
	Reaper   ReaperConfig  `yaml:"reaper" json:"reaper" mapstructure:"reaper"`
	Metrics  MetricsConfig `yaml:"metrics" json:"metrics" mapstructure:"metrics"`
	Health   HealthConfig  `yaml:"health" json:"health" mapstructure:"health"`
}

// ReaperConfig controls reclamation of checkouts held past MaxAge.
type ReaperConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Interval time.Duration `yaml:"interval" json:"interval" mapstructure:"interval"`
	MaxAge   time.Duration `yaml:"max_age" json:"max_age" mapstructure:"max_age"`
}

// MetricsConfig represents the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Address   string `yaml:"address" json:"address" mapstructure:"address"`
	Path      string `yaml:"path" json:"path" mapstructure:"path"`
	Namespace string `yaml:"namespace" json:"namespace" mapstructure:"namespace"`
}

// HealthConfig represents health reporting configuration.
type HealthConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Interval time.Duration `yaml:"interval" json:"interval" mapstructure:"interval"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:         "0.0.0.0:50051",
		LogLevel:        "info",
		ShutdownTimeout: 30 * time.Second,
		Reflection:      true,
		Database:        pool.DefaultConfig(),
		Reaper: ReaperConfig{
			Enabled:  true,
			Interval: time.Minute,
			MaxAge:   30 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Address:   ":9090",
			Path:      "/metrics",
			Namespace: "poolkeeper",
		},
		Health: HealthConfig{
			Enabled:  true,
			Interval: 15 * time.Second,
		},
	}
}

// Validate validates the configuration and fills pool defaults.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level: %q", c.LogLevel)
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.Reaper.Enabled {
		if c.Reaper.Interval <= 0 {
			return fmt.Errorf("reaper interval must be positive")
		}
		if c.Reaper.MaxAge <= 0 {
			return fmt.Errorf("reaper max age must be positive")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return fmt.Errorf("metrics address is required when metrics are enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics path must start with '/': %q", c.Metrics.Path)
		}
	}

	if c.Health.Enabled && c.Health.Interval <= 0 {
		return fmt.Errorf("health interval must be positive")
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	return nil
}

// PoolConfig returns the pool section.
func (c *Config) PoolConfig() pool.Config {
	return c.Database
}

// Dump writes the configuration as YAML with credentials masked.
func (c *Config) Dump(w io.Writer) error {
	out := *c
	out.Database = c.Database.Redacted()

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&out); err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	return enc.Close()
}

// SetDefaults registers every key of DefaultConfig with v so that
// environment overrides apply to keys absent from the config file.
func SetDefaults(v *viper.Viper) {
	def := DefaultConfig()

	v.SetDefault("address", def.Address)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("reflection", def.Reflection)

	v.SetDefault("database.driver", def.Database.Driver)
	v.SetDefault("database.host", def.Database.Host)
	v.SetDefault("database.port", def.Database.Port)
	v.SetDefault("database.database", def.Database.Database)
	v.SetDefault("database.user", def.Database.User)
	v.SetDefault("database.password", def.Database.Password)
	v.SetDefault("database.dsn", def.Database.DSN)
	v.SetDefault("database.pool_min", def.Database.PoolMin)
	v.SetDefault("database.pool_max", def.Database.PoolMax)
	v.SetDefault("database.probe_query", def.Database.ProbeQuery)

	v.SetDefault("reaper.enabled", def.Reaper.Enabled)
	v.SetDefault("reaper.interval", def.Reaper.Interval)
	v.SetDefault("reaper.max_age", def.Reaper.MaxAge)

	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.address", def.Metrics.Address)
	v.SetDefault("metrics.path", def.Metrics.Path)
	v.SetDefault("metrics.namespace", def.Metrics.Namespace)

	v.SetDefault("health.enabled", def.Health.Enabled)
	v.SetDefault("health.interval", def.Health.Interval)
}

// Load reads the configuration from defaults, the optional file named by the
// "config" key, the environment and bound flags, in increasing precedence.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
