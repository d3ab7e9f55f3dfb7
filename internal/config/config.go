package config

import "time"

// Config represents the complete application configuration. It is assembled
// from built-in defaults, an optional YAML file, GRIDLANE_* environment
// variables and runtime overrides, in increasing precedence.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Health   HealthConfig   `mapstructure:"health"`
	Debug    DebugConfig    `mapstructure:"debug"`

	// FileUsed is the config file that was read, if any.
	FileUsed string `mapstructure:"-"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// UpstreamConfig describes the Gridstatus API.
type UpstreamConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Credentials []string      `mapstructure:"credentials"`
	Market      string        `mapstructure:"market"`
	Location    string        `mapstructure:"location"`
}

// PoolConfig configures credential selection.
type PoolConfig struct {
	// Strategy is one of round_robin, random, least_used.
	Strategy string        `mapstructure:"strategy"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
}

// CacheConfig contains response cache configuration.
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
	// Persist enables snapshot write-through and the warm load at startup.
	Persist bool `mapstructure:"persist"`
	// WarmHorizon bounds how old a snapshot may be to be loaded at startup.
	WarmHorizon time.Duration `mapstructure:"warm_horizon"`
}

type QueueConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// WaitTimeout bounds a caller's wait for its turn. Zero disables it.
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED, ENTERPRISE
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig contains debug and profiling configuration
type DebugConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// PprofEnabled controls whether pprof endpoints are exposed
	// WARNING: Only enable in development/staging environments
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}
