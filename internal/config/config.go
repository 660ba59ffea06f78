// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// QueueDefaults holds the SLA and scaling fields applied to every queue that
// does not carry its own override in the queues map.
type QueueDefaults struct {
	MaxPickupTimeSec int     `mapstructure:"max_pickup_time_seconds"`
	MinWorkers       int     `mapstructure:"min_workers"`
	MaxWorkers       int     `mapstructure:"max_workers"`
	ScaleCooldownSec int     `mapstructure:"scale_cooldown_seconds"`
	BreachThreshold  float64 `mapstructure:"breach_threshold"`
}

// QueueOverride is the subset of QueueDefaults a single queue may override.
// Pointer fields distinguish "not set" from "set to zero".
type QueueOverride struct {
	MaxPickupTimeSec *int     `mapstructure:"max_pickup_time_seconds"`
	MinWorkers       *int     `mapstructure:"min_workers"`
	MaxWorkers       *int     `mapstructure:"max_workers"`
	ScaleCooldownSec *int     `mapstructure:"scale_cooldown_seconds"`
	BreachThreshold  *float64 `mapstructure:"breach_threshold"`
}

// Scaling configures the hybrid predictive strategy (C2).
type Scaling struct {
	FallbackJobTimeSeconds   float64 `mapstructure:"fallback_job_time_seconds"`
	MinArrivalRateConfidence float64 `mapstructure:"min_arrival_rate_confidence"`
	TrendPolicy              string  `mapstructure:"trend_policy"`
	BreachThreshold          float64 `mapstructure:"breach_threshold"`
}

// Limits configures the capacity calculator (C1).
type Limits struct {
	MaxCPUPercent     float64 `mapstructure:"max_cpu_percent"`
	MaxMemoryPercent  float64 `mapstructure:"max_memory_percent"`
	WorkerMemoryMBEst float64 `mapstructure:"worker_memory_mb_estimate"`
	ReserveCPUCores   float64 `mapstructure:"reserve_cpu_cores"`
	// MaxTotalWorkers is an absolute operator-set ceiling applied by the
	// capacity calculator regardless of observed CPU/memory headroom. Zero
	// means unbounded. It caps each queue's target on its own; the sum of
	// workers across queues is not checked against it.
	MaxTotalWorkers int `mapstructure:"max_total_workers"`
}

// Workers configures the worker pool (C5).
type Workers struct {
	TimeoutSeconds             int `mapstructure:"timeout_seconds"`
	Tries                      int `mapstructure:"tries"`
	SleepSeconds               int `mapstructure:"sleep_seconds"`
	ShutdownTimeoutSeconds     int `mapstructure:"shutdown_timeout_seconds"`
	HealthCheckIntervalSeconds int `mapstructure:"health_check_interval_seconds"`
}

// Manager configures the evaluation loop (C6).
type Manager struct {
	EvaluationIntervalSeconds int `mapstructure:"evaluation_interval_seconds"`
}

// CircuitBreaker configures the breaker gating MetricsSource/ResourceSource
// calls (internal/breaker), reused unchanged from the teacher.
type CircuitBreaker struct {
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// Redis configures the default Redis-backed MetricsSource.
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
	QueuePrefix        string        `mapstructure:"queue_prefix"`
	HeartbeatPattern   string        `mapstructure:"heartbeat_pattern"`
}

// Launcher configures the default os/exec-based WorkerLauncher.
type Launcher struct {
	Binary string   `mapstructure:"binary"`
	Args   []string `mapstructure:"args"`
}

// Webhook configures the optional webhook EventSink.
type Webhook struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Secret        string        `mapstructure:"secret"`
	RateLimitPerSec float64     `mapstructure:"rate_limit_per_sec"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

// Tracing is a backwards-compatible alias.
type Tracing = TracingConfig

type Observability struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// Config is the root, immutable-once-loaded configuration record.
type Config struct {
	Enabled       bool                     `mapstructure:"enabled"`
	SLADefaults   QueueDefaults            `mapstructure:"sla_defaults"`
	Queues        map[string]QueueOverride `mapstructure:"queues"`
	Scaling       Scaling                  `mapstructure:"scaling"`
	Limits        Limits                   `mapstructure:"limits"`
	Workers       Workers                  `mapstructure:"workers"`
	Manager       Manager                  `mapstructure:"manager"`
	CircuitBreaker CircuitBreaker          `mapstructure:"circuit_breaker"`
	Strategy      string                   `mapstructure:"strategy"`
	Policies      []string                 `mapstructure:"policies"`
	Redis         Redis                    `mapstructure:"redis"`
	Launcher      Launcher                 `mapstructure:"launcher"`
	Webhook       Webhook                  `mapstructure:"webhook"`
	Observability Observability            `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Enabled: true,
		SLADefaults: QueueDefaults{
			MaxPickupTimeSec: 30,
			MinWorkers:       1,
			MaxWorkers:       20,
			ScaleCooldownSec: 60,
			BreachThreshold:  0.5,
		},
		Queues: map[string]QueueOverride{},
		Scaling: Scaling{
			FallbackJobTimeSeconds:   2.0,
			MinArrivalRateConfidence: 0.5,
			TrendPolicy:              "hint",
			BreachThreshold:          0.5,
		},
		Limits: Limits{
			MaxCPUPercent:     80.0,
			MaxMemoryPercent:  80.0,
			WorkerMemoryMBEst: 256.0,
			ReserveCPUCores:   1.0,
		},
		Workers: Workers{
			TimeoutSeconds:             10,
			Tries:                      3,
			SleepSeconds:               1,
			ShutdownTimeoutSeconds:     30,
			HealthCheckIntervalSeconds: 5,
		},
		Manager: Manager{
			EvaluationIntervalSeconds: 5,
		},
		CircuitBreaker: CircuitBreaker{
			Window:           30 * time.Second,
			CooldownPeriod:   15 * time.Second,
			FailureThreshold: 0.5,
			MinSamples:       5,
		},
		Strategy: "hybrid_predictive",
		Policies: []string{"conservative_scale_down", "breach_notification"},
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 4,
			MinIdleConns:       2,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
			QueuePrefix:        "jobqueue:",
			HeartbeatPattern:   "jobqueue:processing:worker:%s",
		},
		Launcher: Launcher{
			Binary: "queue-worker",
		},
		Webhook: Webhook{
			Enabled:         false,
			RateLimitPerSec: 5,
			Timeout:         3 * time.Second,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     Tracing{Enabled: false},
		},
	}
}

// Load reads configuration from a YAML file and environment overrides. A
// missing file is not an error: defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("enabled", def.Enabled)
	v.SetDefault("sla_defaults.max_pickup_time_seconds", def.SLADefaults.MaxPickupTimeSec)
	v.SetDefault("sla_defaults.min_workers", def.SLADefaults.MinWorkers)
	v.SetDefault("sla_defaults.max_workers", def.SLADefaults.MaxWorkers)
	v.SetDefault("sla_defaults.scale_cooldown_seconds", def.SLADefaults.ScaleCooldownSec)
	v.SetDefault("sla_defaults.breach_threshold", def.SLADefaults.BreachThreshold)

	v.SetDefault("scaling.fallback_job_time_seconds", def.Scaling.FallbackJobTimeSeconds)
	v.SetDefault("scaling.min_arrival_rate_confidence", def.Scaling.MinArrivalRateConfidence)
	v.SetDefault("scaling.trend_policy", def.Scaling.TrendPolicy)
	v.SetDefault("scaling.breach_threshold", def.Scaling.BreachThreshold)

	v.SetDefault("limits.max_cpu_percent", def.Limits.MaxCPUPercent)
	v.SetDefault("limits.max_memory_percent", def.Limits.MaxMemoryPercent)
	v.SetDefault("limits.worker_memory_mb_estimate", def.Limits.WorkerMemoryMBEst)
	v.SetDefault("limits.reserve_cpu_cores", def.Limits.ReserveCPUCores)
	v.SetDefault("limits.max_total_workers", def.Limits.MaxTotalWorkers)

	v.SetDefault("workers.timeout_seconds", def.Workers.TimeoutSeconds)
	v.SetDefault("workers.tries", def.Workers.Tries)
	v.SetDefault("workers.sleep_seconds", def.Workers.SleepSeconds)
	v.SetDefault("workers.shutdown_timeout_seconds", def.Workers.ShutdownTimeoutSeconds)
	v.SetDefault("workers.health_check_interval_seconds", def.Workers.HealthCheckIntervalSeconds)

	v.SetDefault("manager.evaluation_interval_seconds", def.Manager.EvaluationIntervalSeconds)

	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("strategy", def.Strategy)
	v.SetDefault("policies", def.Policies)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)
	v.SetDefault("redis.queue_prefix", def.Redis.QueuePrefix)
	v.SetDefault("redis.heartbeat_pattern", def.Redis.HeartbeatPattern)

	v.SetDefault("launcher.binary", def.Launcher.Binary)

	v.SetDefault("webhook.enabled", def.Webhook.Enabled)
	v.SetDefault("webhook.rate_limit_per_sec", def.Webhook.RateLimitPerSec)
	v.SetDefault("webhook.timeout", def.Webhook.Timeout)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)

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

// Validate checks config invariants and returns an error on the first
// violation found. Validation only happens at startup; a bad config is a
// fatal, non-retryable error.
func Validate(cfg *Config) error {
	if cfg.SLADefaults.MaxPickupTimeSec <= 0 {
		return fmt.Errorf("sla_defaults.max_pickup_time_seconds must be > 0")
	}
	if cfg.SLADefaults.MinWorkers < 0 || cfg.SLADefaults.MaxWorkers < cfg.SLADefaults.MinWorkers {
		return fmt.Errorf("sla_defaults: min_workers must be >= 0 and <= max_workers")
	}
	if cfg.SLADefaults.ScaleCooldownSec < 0 {
		return fmt.Errorf("sla_defaults.scale_cooldown_seconds must be >= 0")
	}
	if cfg.SLADefaults.BreachThreshold < 0 || cfg.SLADefaults.BreachThreshold > 1 {
		return fmt.Errorf("sla_defaults.breach_threshold must be in [0,1]")
	}
	for name, override := range cfg.Queues {
		min := cfg.SLADefaults.MinWorkers
		max := cfg.SLADefaults.MaxWorkers
		if override.MinWorkers != nil {
			min = *override.MinWorkers
		}
		if override.MaxWorkers != nil {
			max = *override.MaxWorkers
		}
		if min < 0 || max < min {
			return fmt.Errorf("queues.%s: min_workers must be >= 0 and <= max_workers", name)
		}
		if override.MaxPickupTimeSec != nil && *override.MaxPickupTimeSec <= 0 {
			return fmt.Errorf("queues.%s: max_pickup_time_seconds must be > 0", name)
		}
	}
	switch cfg.Scaling.TrendPolicy {
	case "disabled", "hint", "moderate", "aggressive":
	default:
		return fmt.Errorf("scaling.trend_policy must be one of disabled|hint|moderate|aggressive, got %q", cfg.Scaling.TrendPolicy)
	}
	if cfg.Scaling.MinArrivalRateConfidence < 0 || cfg.Scaling.MinArrivalRateConfidence > 1 {
		return fmt.Errorf("scaling.min_arrival_rate_confidence must be in [0,1]")
	}
	if cfg.Limits.ReserveCPUCores < 0 {
		return fmt.Errorf("limits.reserve_cpu_cores must be >= 0")
	}
	if cfg.Workers.Tries <= 0 {
		return fmt.Errorf("workers.tries must be > 0")
	}
	if cfg.Manager.EvaluationIntervalSeconds <= 0 {
		return fmt.Errorf("manager.evaluation_interval_seconds must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Webhook.Enabled && cfg.Webhook.URL == "" {
		return fmt.Errorf("webhook.url is required when webhook.enabled is true")
	}
	return nil
}

// ResolveQueueConfig applies sla_defaults with any per-queue override for name.
func (c *Config) ResolveQueueConfig(name string) QueueDefaults {
	resolved := c.SLADefaults
	override, ok := c.Queues[name]
	if !ok {
		return resolved
	}
	if override.MaxPickupTimeSec != nil {
		resolved.MaxPickupTimeSec = *override.MaxPickupTimeSec
	}
	if override.MinWorkers != nil {
		resolved.MinWorkers = *override.MinWorkers
	}
	if override.MaxWorkers != nil {
		resolved.MaxWorkers = *override.MaxWorkers
	}
	if override.ScaleCooldownSec != nil {
		resolved.ScaleCooldownSec = *override.ScaleCooldownSec
	}
	if override.BreachThreshold != nil {
		resolved.BreachThreshold = *override.BreachThreshold
	}
	return resolved
}
