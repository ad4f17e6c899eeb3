package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from environment variables (TASKER_ prefix,
// highest precedence) and, if TASKER_CONFIG_PATH is set, an optional YAML
// file (lowest precedence, filling in anything the environment doesn't
// set). Missing optional file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TASKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := strings.TrimSpace(os.Getenv("TASKER_CONFIG_PATH")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !asConfigNotFound(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func asConfigNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "tasker")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 32)

	v.SetDefault("messaging.visibility_ms", 30_000)
	v.SetDefault("messaging.high_water_mark", 5_000)
	v.SetDefault("messaging.low_water_mark", 1_000)
	v.SetDefault("messaging.overflow_mark", 20_000)
	v.SetDefault("messaging.redis_addr", "")
	v.SetDefault("messaging.push_enabled", false)
	v.SetDefault("messaging.concurrency_budget_per_namespace", 200)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.open_timeout_ms", 10_000)
	v.SetDefault("breaker.min_state_transition_interval_ms", 1_000)

	v.SetDefault("server.shutdown_timeout_ms", 15_000)
	v.SetDefault("server.command_channel_capacity", 256)
	v.SetDefault("server.poll_interval_ms", 500)
	v.SetDefault("server.max_poll_interval_ms", 15_000)
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.namespaces", []string{"default"})
	v.SetDefault("server.cors_allow_origins", []string{})

	v.SetDefault("retry.base_ms", 1_000)
	v.SetDefault("retry.cap_ms", 60_000)
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("retry.max_attempts", 5)
}
