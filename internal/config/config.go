// Package config loads scheduler configuration from a yaml file and
// CONVEYOR_* environment variables, with environment taking precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/deckwork/conveyor/internal/backoff"
)

// Config is the full runtime configuration. Durations are stored resolved;
// the file and environment speak in the *_seconds / *_ms keys.
type Config struct {
	DatabaseURL string
	LogLevel    string
	LogJSON     bool

	HeartbeatInterval        time.Duration
	HeartbeatDeathMultiplier int
	DefaultLeaseDuration     time.Duration
	MaxRetriesDefault        int

	RetryBackoffBase   time.Duration
	RetryBackoffCap    time.Duration
	RetryBackoffJitter float64

	RecoveryInterval    time.Duration
	WorkerMaxConcurrent int
	DispatchIdleMin     time.Duration
	DispatchIdleMax     time.Duration
	ShutdownTimeout     time.Duration

	PayloadMaxBytes int
	TemplatesPath   string

	OTelEnabled  bool
	OTelStdout   bool
	OTelEndpoint string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("heartbeat_interval_seconds", 30)
	v.SetDefault("heartbeat_death_multiplier", 3)
	v.SetDefault("default_lease_duration_seconds", 1800)
	v.SetDefault("max_retries_default", 3)
	v.SetDefault("retry_backoff_base_seconds", 300)
	v.SetDefault("retry_backoff_cap_seconds", 3600)
	v.SetDefault("retry_backoff_jitter_fraction", 0.2)
	v.SetDefault("recovery_interval_seconds", 60)
	v.SetDefault("worker_max_concurrent", 3)
	v.SetDefault("dispatch_idle_sleep_ms_min", 1000)
	v.SetDefault("dispatch_idle_sleep_ms_max", 5000)
	v.SetDefault("shutdown_timeout_seconds", 30)
	v.SetDefault("payload_max_bytes", 1<<20)
	v.SetDefault("templates_path", "")
	v.SetDefault("otel_enabled", false)
	v.SetDefault("otel_stdout", false)
	v.SetDefault("otel_endpoint", "")
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CONVEYOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{
		DatabaseURL:              v.GetString("database_url"),
		LogLevel:                 v.GetString("log_level"),
		LogJSON:                  v.GetBool("log_json"),
		HeartbeatInterval:        time.Duration(v.GetInt("heartbeat_interval_seconds")) * time.Second,
		HeartbeatDeathMultiplier: v.GetInt("heartbeat_death_multiplier"),
		DefaultLeaseDuration:     time.Duration(v.GetInt("default_lease_duration_seconds")) * time.Second,
		MaxRetriesDefault:        v.GetInt("max_retries_default"),
		RetryBackoffBase:         time.Duration(v.GetInt("retry_backoff_base_seconds")) * time.Second,
		RetryBackoffCap:          time.Duration(v.GetInt("retry_backoff_cap_seconds")) * time.Second,
		RetryBackoffJitter:       v.GetFloat64("retry_backoff_jitter_fraction"),
		RecoveryInterval:         time.Duration(v.GetInt("recovery_interval_seconds")) * time.Second,
		WorkerMaxConcurrent:      v.GetInt("worker_max_concurrent"),
		DispatchIdleMin:          time.Duration(v.GetInt("dispatch_idle_sleep_ms_min")) * time.Millisecond,
		DispatchIdleMax:          time.Duration(v.GetInt("dispatch_idle_sleep_ms_max")) * time.Millisecond,
		ShutdownTimeout:          time.Duration(v.GetInt("shutdown_timeout_seconds")) * time.Second,
		PayloadMaxBytes:          v.GetInt("payload_max_bytes"),
		TemplatesPath:            v.GetString("templates_path"),
		OTelEnabled:              v.GetBool("otel_enabled"),
		OTelStdout:               v.GetBool("otel_stdout"),
		OTelEndpoint:             v.GetString("otel_endpoint"),
	}
	if cfg.OTelEndpoint == "" {
		// Honor the conventional collector variable when the config is silent.
		cfg.OTelEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval_seconds must be positive")
	}
	if c.HeartbeatDeathMultiplier < 2 {
		return fmt.Errorf("heartbeat_death_multiplier must be at least 2")
	}
	if c.DefaultLeaseDuration <= 0 {
		return fmt.Errorf("default_lease_duration_seconds must be positive")
	}
	if c.RetryBackoffJitter < 0 || c.RetryBackoffJitter >= 1 {
		return fmt.Errorf("retry_backoff_jitter_fraction must be in [0, 1)")
	}
	if c.DispatchIdleMax < c.DispatchIdleMin {
		return fmt.Errorf("dispatch_idle_sleep_ms_max must be >= dispatch_idle_sleep_ms_min")
	}
	if c.PayloadMaxBytes <= 0 {
		return fmt.Errorf("payload_max_bytes must be positive")
	}
	return nil
}

// DeathThreshold is the heartbeat silence after which a worker counts as dead.
func (c *Config) DeathThreshold() time.Duration {
	return time.Duration(c.HeartbeatDeathMultiplier) * c.HeartbeatInterval
}

// BackoffPolicy builds the retry-delay policy from the configured knobs.
func (c *Config) BackoffPolicy() backoff.Policy {
	return backoff.Policy{
		Base:   c.RetryBackoffBase,
		Cap:    c.RetryBackoffCap,
		Jitter: c.RetryBackoffJitter,
	}
}
