// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Sharq holds the settings the engine needs that have no per-call
// override: the key namespace every script operates under, how long a
// dequeued job stays in flight before the sweeper may requeue it (also
// the rate-limit lease TTL when a queue has no interval entry), the requeue
// budget new jobs get when the caller omits one, and how often the
// sweeper looks for expired in-flight jobs.
type Sharq struct {
	KeyPrefix              string        `mapstructure:"key_prefix"`
	JobExpireInterval      time.Duration `mapstructure:"job_expire_interval"`
	DefaultJobRequeueLimit int64         `mapstructure:"default_job_requeue_limit"`
	SweepInterval          time.Duration `mapstructure:"sweep_interval"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled               bool              `mapstructure:"enabled"`
	Endpoint              string            `mapstructure:"endpoint"`
	Environment           string            `mapstructure:"environment"`
	SamplingStrategy      string            `mapstructure:"sampling_strategy"`
	SamplingRate          float64           `mapstructure:"sampling_rate"`
	BatchTimeout          time.Duration     `mapstructure:"batch_timeout"`
	MaxExportBatchSize    int               `mapstructure:"max_export_batch_size"`
	Headers               map[string]string `mapstructure:"headers"`
	Insecure              bool              `mapstructure:"insecure"`
	PropagationFormat     string            `mapstructure:"propagation_format"`
	AttributeAllowlist    []string          `mapstructure:"attribute_allowlist"`
	RedactSensitive       bool              `mapstructure:"redact_sensitive"`
	EnableMetricExemplars bool              `mapstructure:"enable_metric_exemplars"`
}

// Tracing is a backwards-compatible alias
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias
type Observability = ObservabilityConfig

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Sharq          Sharq          `mapstructure:"sharq"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Sharq: Sharq{
			KeyPrefix:              "sharq",
			JobExpireInterval:      5 * time.Minute,
			DefaultJobRequeueLimit: -1,
			SweepInterval:          5 * time.Second,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file, applying env overrides on
// top and falling back to defaultConfig for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SHARQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("sharq.key_prefix", def.Sharq.KeyPrefix)
	v.SetDefault("sharq.job_expire_interval", def.Sharq.JobExpireInterval)
	v.SetDefault("sharq.default_job_requeue_limit", def.Sharq.DefaultJobRequeueLimit)
	v.SetDefault("sharq.sweep_interval", def.Sharq.SweepInterval)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Sharq.KeyPrefix == "" {
		return fmt.Errorf("sharq.key_prefix must be non-empty")
	}
	if cfg.Sharq.JobExpireInterval <= 0 {
		return fmt.Errorf("sharq.job_expire_interval must be > 0")
	}
	if cfg.Sharq.DefaultJobRequeueLimit < -1 {
		return fmt.Errorf("sharq.default_job_requeue_limit must be >= -1")
	}
	if cfg.Sharq.SweepInterval <= 0 {
		return fmt.Errorf("sharq.sweep_interval must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
