// Package config provides centralized configuration management for gridlane.
// Values are layered with viper:
// Layer 1: built-in defaults
// Layer 2: YAML config file (flag, XDG config dir, or ./config)
// Layer 3: GRIDLANE_* environment variables and runtime overrides
package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/gridlane/gridlane/internal/core/keypool"
)

const (
	// AppName names the XDG config and data directories.
	AppName   = "gridlane"
	EnvPrefix = "GRIDLANE"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// Options control a Load call.
type Options struct {
	// File is an explicit config file. It must exist when set.
	File string
	// Overrides are applied last, keyed by dotted config path.
	Overrides map[string]any
}

// Load assembles the configuration from every layer, validates it and makes
// it the current configuration.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(ctx context.Context, opts Options) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	used, err := readConfigFile(v, opts.File)
	if err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("upstream.credentials",
		EnvPrefix+"_UPSTREAM_CREDENTIALS", EnvPrefix+"_API_KEYS", "GRIDSTATUS_API_KEYS"); err != nil {
		return nil, fmt.Errorf("failed to bind credential env: %w", err)
	}

	for key, value := range opts.Overrides {
		v.Set(key, value)
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.FileUsed = used
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

func readConfigFile(v *viper.Viper, file string) (string, error) {
	if strings.TrimSpace(file) != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return "", fmt.Errorf("failed to read config file %s: %w", file, err)
		}
		return v.ConfigFileUsed(), nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir := gfconfig.GetAppConfigDir(AppName); strings.TrimSpace(dir) != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// It's OK if config file doesn't exist, we have defaults
			return "", nil
		}
		return "", fmt.Errorf("failed to read config file: %w", err)
	}
	return v.ConfigFileUsed(), nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	// Must outlast queue.wait_timeout so queued callers see their response.
	v.SetDefault("server.write_timeout", "90s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("upstream.base_url", "https://api.gridstatus.io/v1/datasets")
	v.SetDefault("upstream.timeout", "30s")
	v.SetDefault("upstream.credentials", []string{})
	v.SetDefault("upstream.market", "pjm")
	v.SetDefault("upstream.location", "PJM-RTO")

	v.SetDefault("pool.strategy", string(keypool.RoundRobin))
	v.SetDefault("pool.cooldown", keypool.DefaultCooldown.String())

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_base", "1s")

	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.persist", true)
	v.SetDefault("cache.warm_horizon", "24h")

	v.SetDefault("queue.interval", "2.5s")
	v.SetDefault("queue.wait_timeout", "60s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
}

func (c *Config) normalize() {
	creds := make([]string, 0, len(c.Upstream.Credentials))
	for _, raw := range c.Upstream.Credentials {
		// Env values may arrive as one comma-separated string.
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				creds = append(creds, part)
			}
		}
	}
	c.Upstream.Credentials = creds
	c.Upstream.Market = strings.ToLower(strings.TrimSpace(c.Upstream.Market))
	c.Upstream.Location = strings.TrimSpace(c.Upstream.Location)
	c.Pool.Strategy = strings.ToLower(strings.TrimSpace(c.Pool.Strategy))

	if strings.TrimSpace(c.Store.URL) == "" && strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = DefaultStorePath()
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := keypool.ParseStrategy(c.Pool.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("pool.strategy: %w", err))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d is out of range", c.Server.Port))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts: must be at least 1, got %d", c.Retry.MaxAttempts))
	}

	positive := []struct {
		key   string
		value time.Duration
	}{
		{"pool.cooldown", c.Pool.Cooldown},
		{"retry.backoff_base", c.Retry.BackoffBase},
		{"cache.ttl", c.Cache.TTL},
		{"queue.interval", c.Queue.Interval},
		{"upstream.timeout", c.Upstream.Timeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %s", p.key, p.value))
		}
	}
	if c.Queue.WaitTimeout < 0 {
		errs = append(errs, fmt.Errorf("queue.wait_timeout: must not be negative, got %s", c.Queue.WaitTimeout))
	}
	if c.Cache.WarmHorizon < 0 {
		errs = append(errs, fmt.Errorf("cache.warm_horizon: must not be negative, got %s", c.Cache.WarmHorizon))
	}

	return errors.Join(errs...)
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(AppName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(AppName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}
