// Package config loads the orchestration core's runtime configuration from
// environment variables (TASKER_ prefix) and an optional YAML file, with
// env vars taking precedence. It must not import internal/domain or any
// other internal package — configuration is leaf-level.
package config

import "time"

// Config is the root configuration structure for the orchestration core.
// Recognized keys mirror the runtime tuning surface: database connection,
// messaging backpressure marks, breaker thresholds, command-bus/server
// knobs, and the default retry policy new templates inherit when they
// don't specify their own.
type Config struct {
	Env       string          `yaml:"env" mapstructure:"env"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Messaging MessagingConfig `yaml:"messaging" mapstructure:"messaging"`
	Breaker   BreakerConfig   `yaml:"breaker" mapstructure:"breaker"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
}

// DatabaseConfig holds the Postgres connection parameters.
type DatabaseConfig struct {
	Host         string `yaml:"host" mapstructure:"host"`
	Port         string `yaml:"port" mapstructure:"port"`
	User         string `yaml:"user" mapstructure:"user"`
	Password     string `yaml:"password" mapstructure:"password"`
	Name         string `yaml:"name" mapstructure:"name"`
	SSLMode      string `yaml:"ssl_mode" mapstructure:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns" mapstructure:"max_open_conns"`
}

// MessagingConfig tunes C2/C6 backpressure and visibility timeout.
type MessagingConfig struct {
	VisibilityMS                  int64  `yaml:"visibility_ms" mapstructure:"visibility_ms"`
	HighWaterMark                 int    `yaml:"high_water_mark" mapstructure:"high_water_mark"`
	LowWaterMark                  int    `yaml:"low_water_mark" mapstructure:"low_water_mark"`
	OverflowMark                  int    `yaml:"overflow_mark" mapstructure:"overflow_mark"`
	RedisAddr                     string `yaml:"redis_addr" mapstructure:"redis_addr"`
	PushEnabled                   bool   `yaml:"push_enabled" mapstructure:"push_enabled"`
	ConcurrencyBudgetPerNamespace int    `yaml:"concurrency_budget_per_namespace" mapstructure:"concurrency_budget_per_namespace"`
}

// BreakerConfig tunes the C3 circuit breaker fabric.
type BreakerConfig struct {
	FailureThreshold             int   `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	SuccessThreshold             int   `yaml:"success_threshold" mapstructure:"success_threshold"`
	OpenTimeoutMS                int64 `yaml:"open_timeout_ms" mapstructure:"open_timeout_ms"`
	MinStateTransitionIntervalMS int64 `yaml:"min_state_transition_interval_ms" mapstructure:"min_state_transition_interval_ms"`
}

// ServerConfig tunes the command bus (C9) and the polling cadence of the
// internal orchestration loops (C6/C7/C8).
type ServerConfig struct {
	ShutdownTimeoutMS      int64    `yaml:"shutdown_timeout_ms" mapstructure:"shutdown_timeout_ms"`
	CommandChannelCapacity int      `yaml:"command_channel_capacity" mapstructure:"command_channel_capacity"`
	PollIntervalMS         int64    `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	MaxPollIntervalMS      int64    `yaml:"max_poll_interval_ms" mapstructure:"max_poll_interval_ms"`
	HTTPAddr               string   `yaml:"http_addr" mapstructure:"http_addr"`
	Namespaces             []string `yaml:"namespaces" mapstructure:"namespaces"`
	CORSAllowOrigins       []string `yaml:"cors_allow_origins" mapstructure:"cors_allow_origins"`
}

// RetryConfig holds the retry.* settings. Nothing outside this package
// reads it: a step's retry behaviour comes from its StepTemplate's
// RetryPolicy, and computeBackoff substitutes fixed defaults (base 1000ms,
// cap 60000ms, jitter 0.2) for zero fields.
type RetryConfig struct {
	BaseMS      int64   `yaml:"base_ms" mapstructure:"base_ms"`
	CapMS       int64   `yaml:"cap_ms" mapstructure:"cap_ms"`
	Jitter      float64 `yaml:"jitter" mapstructure:"jitter"`
	MaxAttempts int     `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// ShutdownTimeout returns ServerConfig.ShutdownTimeoutMS as a duration.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}

// PollInterval returns ServerConfig.PollIntervalMS as a duration.
func (c ServerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// MaxPollInterval returns ServerConfig.MaxPollIntervalMS as a duration,
// the ceiling the enqueue loop's exponential backoff widens toward when
// repeated polls find nothing ready.
func (c ServerConfig) MaxPollInterval() time.Duration {
	return time.Duration(c.MaxPollIntervalMS) * time.Millisecond
}

// Visibility returns MessagingConfig.VisibilityMS as a duration.
func (c MessagingConfig) Visibility() time.Duration {
	return time.Duration(c.VisibilityMS) * time.Millisecond
}

// OpenTimeout returns BreakerConfig.OpenTimeoutMS as a duration.
func (c BreakerConfig) OpenTimeout() time.Duration {
	return time.Duration(c.OpenTimeoutMS) * time.Millisecond
}

// MinStateTransitionInterval returns BreakerConfig.MinStateTransitionIntervalMS as a duration.
func (c BreakerConfig) MinStateTransitionInterval() time.Duration {
	return time.Duration(c.MinStateTransitionIntervalMS) * time.Millisecond
}
