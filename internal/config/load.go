package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Optional config file: ./config.yaml. Absence is fine; any other
	// read failure is not.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables with the MAILSIFT_ prefix override file
	// values, e.g. MAILSIFT_SERVER_PORT, MAILSIFT_CACHE_TTL.
	v.SetEnvPrefix("MAILSIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers a workable default for every tunable so a bare
// process starts with analysis disabled and sane performance settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("analysis.enabled", false)
	v.SetDefault("analysis.api_key", "")
	v.SetDefault("analysis.model", "gemini-2.0-flash")
	v.SetDefault("analysis.context_stage_enabled", true)
	v.SetDefault("analysis.required_stages", []string{"extract_tasks", "enhance_metadata"})

	v.SetDefault("cache.capacity_bytes", 64<<20)
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.sweep_interval", "5m")
	v.SetDefault("cache.snapshot_path", "mailsift-cache.db")

	v.SetDefault("ratelimit.requests_per_minute", 60)
	v.SetDefault("ratelimit.budget_tokens", 1_000_000)
	v.SetDefault("ratelimit.budget_period", "24h")

	v.SetDefault("batch.size", 5)
	v.SetDefault("batch.max_wait", "250ms")
	v.SetDefault("batch.max_concurrent", 2)
	v.SetDefault("batch.queue_size", 0)

	v.SetDefault("optimizer.workers", 4)
	v.SetDefault("optimizer.stage_timeout", "30s")
}
