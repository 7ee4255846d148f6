package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Optimizer OptimizerConfig `mapstructure:"optimizer"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// AnalysisConfig contains the external AI service settings and the
// per-stage pipeline shape.
type AnalysisConfig struct {
	// Enabled turns the whole analysis layer on. When false, results are
	// flagged disabled-by-configuration rather than degraded.
	Enabled bool `mapstructure:"enabled"`

	// APIKey authenticates against the Gemini API. Required only when
	// analysis is enabled.
	APIKey string `mapstructure:"api_key" validate:"required_if=Enabled true"`

	// Model is the Gemini model name.
	Model string `mapstructure:"model" validate:"required"`

	// ContextStageEnabled includes the optional context stage.
	ContextStageEnabled bool `mapstructure:"context_stage_enabled"`

	// RequiredStages marks stages whose failure is an operational
	// concern; all other stages degrade quietly.
	RequiredStages []string `mapstructure:"required_stages" validate:"dive,oneof=extract_tasks analyze_sentiment analyze_context enhance_metadata"`
}

// CacheConfig contains the result cache settings.
type CacheConfig struct {
	CapacityBytes int64         `mapstructure:"capacity_bytes" validate:"required,gt=0"`
	TTL           time.Duration `mapstructure:"ttl"            validate:"required,gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gte=0"`
	SnapshotPath  string        `mapstructure:"snapshot_path"`
}

// RateLimitConfig contains the outbound call rate and budget settings.
type RateLimitConfig struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute" validate:"required,gt=0"`
	BudgetTokens      int64         `mapstructure:"budget_tokens"       validate:"required,gt=0"`
	BudgetPeriod      time.Duration `mapstructure:"budget_period"       validate:"required,gt=0"`
}

// BatchConfig contains the batch dispatcher settings.
type BatchConfig struct {
	Size          int           `mapstructure:"size"           validate:"required,gt=0"`
	MaxWait       time.Duration `mapstructure:"max_wait"       validate:"required,gt=0"`
	MaxConcurrent int           `mapstructure:"max_concurrent" validate:"required,gt=0"`
	QueueSize     int           `mapstructure:"queue_size"     validate:"gte=0"`
}

// OptimizerConfig contains the facade settings.
type OptimizerConfig struct {
	Workers      int           `mapstructure:"workers"       validate:"required,gt=0"`
	StageTimeout time.Duration `mapstructure:"stage_timeout" validate:"required,gt=0"`
}
