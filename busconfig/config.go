// Package busconfig loads the operator-facing configuration of a bus
// client/worker from environment variables, following the teacher
// framework's layered priority: defaults, then an optional YAML file
// named by {PREFIX}_CONFIG_FILE, then environment variables, then
// functional options (highest).
//
// Only the variables named in the bus operator surface are consumed:
// {PREFIX}_REDIS_URL, {PREFIX}_ENVIRONMENT, {PREFIX}_GLOBAL_PREFIX,
// {PREFIX}_WORKER_SLEEP_SECONDS, {PREFIX}_MAX_INFLIGHT,
// {PREFIX}_DEFAULT_TIMEOUT_SECONDS, {PREFIX}_DLQ_ENABLED, plus the
// ambient additions the framework always carries regardless of a
// service's feature scope: {PREFIX}_LOG_LEVEL, {PREFIX}_SHUTDOWN_TIMEOUT_SECONDS,
// and {PREFIX}_CONFIG_FILE.
package busconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlOverrides mirrors the subset of Config an operator may set via a
// settings file, read before environment variables so env vars still
// win — matching the teacher's settings-file-plus-env-var layering.
type yamlOverrides struct {
	RedisURL        string `yaml:"redis_url"`
	Environment     string `yaml:"environment"`
	GlobalPrefix    string `yaml:"global_prefix"`
	WorkerSleep     int    `yaml:"worker_sleep_seconds"`
	MaxInflight     int    `yaml:"max_inflight"`
	DefaultTimeout  int    `yaml:"default_timeout_seconds"`
	DLQEnabled      *bool  `yaml:"dlq_enabled"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_seconds"`
	LogLevel        string `yaml:"log_level"`
}

func applyYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("busconfig: read config file %s: %w", path, err)
	}
	var ov yamlOverrides
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("busconfig: parse config file %s: %w", path, err)
	}

	if ov.RedisURL != "" {
		cfg.RedisURL = ov.RedisURL
	}
	if ov.Environment != "" {
		cfg.Environment = ov.Environment
	}
	if ov.GlobalPrefix != "" {
		cfg.GlobalPrefix = ov.GlobalPrefix
	}
	if ov.WorkerSleep > 0 {
		cfg.WorkerSleep = time.Duration(ov.WorkerSleep) * time.Second
	}
	if ov.MaxInflight > 0 {
		cfg.MaxInflight = ov.MaxInflight
	}
	if ov.DefaultTimeout > 0 {
		cfg.DefaultTimeout = time.Duration(ov.DefaultTimeout) * time.Second
	}
	if ov.DLQEnabled != nil {
		cfg.DLQEnabled = *ov.DLQEnabled
	}
	if ov.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = time.Duration(ov.ShutdownTimeout) * time.Second
	}
	if ov.LogLevel != "" {
		cfg.LogLevel = ov.LogLevel
	}
	return nil
}

// Config holds the settings a bus client or worker needs to start.
type Config struct {
	ServiceName string

	RedisURL     string
	Environment  string
	GlobalPrefix string

	WorkerSleep           time.Duration
	MaxInflight           int
	DefaultTimeout        time.Duration
	DLQEnabled            bool
	ShutdownTimeout       time.Duration
	LogLevel              string
}

// defaults mirrors DefaultConfig() in the teacher's core/config.go:
// every field gets a sensible value before env vars or options apply.
func defaults() *Config {
	return &Config{
		Environment:     "dev",
		GlobalPrefix:    "nooble4",
		WorkerSleep:     1 * time.Second,
		MaxInflight:     10,
		DefaultTimeout:  30 * time.Second,
		DLQEnabled:      true,
		ShutdownTimeout: 30 * time.Second,
		LogLevel:        "INFO",
	}
}

// Option mutates a Config after environment variables have been
// applied, letting callers override any setting programmatically.
type Option func(*Config) error

// Load builds a Config for the given service, reading `{prefix}_*`
// environment variables and then applying opts, which take highest
// priority.
func Load(serviceName, prefix string, opts ...Option) (*Config, error) {
	cfg := defaults()
	cfg.ServiceName = serviceName

	if path := os.Getenv(prefix + "_CONFIG_FILE"); path != "" {
		if err := applyYAMLFile(cfg, path); err != nil {
			return nil, err
		}
	}

	cfg.RedisURL = envString(prefix, "REDIS_URL", cfg.RedisURL)
	cfg.Environment = envString(prefix, "ENVIRONMENT", cfg.Environment)
	cfg.GlobalPrefix = envString(prefix, "GLOBAL_PREFIX", cfg.GlobalPrefix)
	cfg.LogLevel = envString(prefix, "LOG_LEVEL", cfg.LogLevel)

	if v, err := envSeconds(prefix, "WORKER_SLEEP_SECONDS"); err != nil {
		return nil, err
	} else if v != nil {
		cfg.WorkerSleep = *v
	}
	if v, err := envSeconds(prefix, "DEFAULT_TIMEOUT_SECONDS"); err != nil {
		return nil, err
	} else if v != nil {
		cfg.DefaultTimeout = *v
	}
	if v, err := envSeconds(prefix, "SHUTDOWN_TIMEOUT_SECONDS"); err != nil {
		return nil, err
	} else if v != nil {
		cfg.ShutdownTimeout = *v
	}
	if v := os.Getenv(prefix + "_MAX_INFLIGHT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("busconfig: invalid %s_MAX_INFLIGHT: %w", prefix, err)
		}
		cfg.MaxInflight = n
	}
	if v := os.Getenv(prefix + "_DLQ_ENABLED"); v != "" {
		cfg.DLQEnabled = parseBool(v)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("busconfig: option failed: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the minimal set of invariants needed to start a
// client or worker.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("busconfig: service name is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("busconfig: redis URL is required")
	}
	if c.MaxInflight <= 0 {
		return fmt.Errorf("busconfig: max inflight must be positive")
	}
	return nil
}

// WithRedisURL overrides the Redis connection URL.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.RedisURL = url
		return nil
	}
}

// WithEnvironment overrides the environment segment used in queue names.
func WithEnvironment(env string) Option {
	return func(c *Config) error {
		c.Environment = env
		return nil
	}
}

// WithGlobalPrefix overrides the global queue-name prefix.
func WithGlobalPrefix(prefix string) Option {
	return func(c *Config) error {
		c.GlobalPrefix = prefix
		return nil
	}
}

// WithMaxInflight overrides the worker's bounded in-flight handler limit.
func WithMaxInflight(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("max inflight must be positive")
		}
		c.MaxInflight = n
		return nil
	}
}

// WithWorkerSleep overrides the poll-loop idle sleep duration.
func WithWorkerSleep(d time.Duration) Option {
	return func(c *Config) error {
		c.WorkerSleep = d
		return nil
	}
}

func envString(prefix, name, fallback string) string {
	if v := os.Getenv(prefix + "_" + name); v != "" {
		return v
	}
	return fallback
}

func envSeconds(prefix, name string) (*time.Duration, error) {
	v := os.Getenv(prefix + "_" + name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("busconfig: invalid %s_%s: %w", prefix, name, err)
	}
	d := time.Duration(n) * time.Second
	return &d, nil
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false
	}
	return b
}
