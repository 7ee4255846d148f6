package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupEnv sets up environment variables for testing
func setupEnv(t *testing.T, envVars map[string]string) func() {
	// Save current environment values
	originalValues := make(map[string]string)
	for name := range envVars {
		originalValues[name] = os.Getenv(name)
	}

	// Set new environment variables
	for name, value := range envVars {
		err := os.Setenv(name, value)
		require.NoError(t, err, "Failed to set environment variable %s", name)
	}

	// Return cleanup function
	return func() {
		// Restore original environment
		for name, value := range originalValues {
			if value == "" {
				os.Unsetenv(name)
			} else {
				os.Setenv(name, value)
			}
		}
	}
}

// TestLoadDefaults verifies that a bare environment yields a valid config
// with analysis disabled and the documented defaults.
func TestLoadDefaults(t *testing.T) {
	cleanup := setupEnv(t, map[string]string{
		"MAILSIFT_SERVER_PORT":      "",
		"MAILSIFT_ANALYSIS_ENABLED": "",
	})
	defer cleanup()

	cfg, err := Load()

	require.NoError(t, err, "Load() should not return an error with default values")
	require.NotNil(t, cfg, "Load() should return a non-nil config")
	assert.Equal(t, 8080, cfg.Server.Port, "Default server port should be 8080")
	assert.Equal(t, "info", cfg.Server.LogLevel, "Default log level should be 'info'")
	assert.False(t, cfg.Analysis.Enabled, "Analysis should default to disabled")
	assert.Equal(t, "gemini-2.0-flash", cfg.Analysis.Model)
	assert.True(t, cfg.Analysis.ContextStageEnabled)
	assert.Equal(t, int64(64<<20), cfg.Cache.CapacityBytes)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, int64(1_000_000), cfg.RateLimit.BudgetTokens)
	assert.Equal(t, 5, cfg.Batch.Size)
	assert.Equal(t, 250*time.Millisecond, cfg.Batch.MaxWait)
	assert.Equal(t, 2, cfg.Batch.MaxConcurrent)
	assert.Equal(t, 4, cfg.Optimizer.Workers)
	assert.Equal(t, 30*time.Second, cfg.Optimizer.StageTimeout)
}

// TestLoadFromEnvironment verifies that environment variables with the
// MAILSIFT_ prefix override the defaults.
func TestLoadFromEnvironment(t *testing.T) {
	cleanup := setupEnv(t, map[string]string{
		"MAILSIFT_SERVER_PORT":                   "9090",
		"MAILSIFT_SERVER_LOG_LEVEL":              "debug",
		"MAILSIFT_ANALYSIS_ENABLED":              "true",
		"MAILSIFT_ANALYSIS_API_KEY":              "test-api-key",
		"MAILSIFT_CACHE_TTL":                     "1h",
		"MAILSIFT_RATELIMIT_REQUESTS_PER_MINUTE": "10",
		"MAILSIFT_BATCH_SIZE":                    "8",
	})
	defer cleanup()

	cfg, err := Load()

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.True(t, cfg.Analysis.Enabled)
	assert.Equal(t, "test-api-key", cfg.Analysis.APIKey)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 10, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 8, cfg.Batch.Size)
}

// TestLoadValidation verifies that invalid values fail validation rather
// than producing a broken config.
func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
	}{
		{
			name: "invalid port",
			envVars: map[string]string{
				"MAILSIFT_SERVER_PORT": "99999",
			},
		},
		{
			name: "invalid log level",
			envVars: map[string]string{
				"MAILSIFT_SERVER_LOG_LEVEL": "loud",
			},
		},
		{
			name: "enabled analysis requires api key",
			envVars: map[string]string{
				"MAILSIFT_ANALYSIS_ENABLED": "true",
				"MAILSIFT_ANALYSIS_API_KEY": "",
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cleanup := setupEnv(t, tc.envVars)
			defer cleanup()

			cfg, err := Load()

			assert.Error(t, err, "Load() should reject invalid configuration")
			assert.Nil(t, cfg)
		})
	}
}
