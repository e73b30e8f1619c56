package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, CatalogSourceCSV, cfg.CatalogSource)
	assert.Equal(t, 50, cfg.InteractionThreshold)
	assert.Equal(t, 4, cfg.AllergyConcurrency)
	assert.Equal(t, 30*time.Second, cfg.OpenAITimeout)
	assert.Equal(t, 24*time.Hour, cfg.MatchCacheTTL)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers())
	assert.True(t, cfg.IsDev())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("INTERACTION_THRESHOLD", "60")
	t.Setenv("OPENAI_TIMEOUT", "5s")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("API_KEYS", "k1,k2")
	t.Setenv("TRACING_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.False(t, cfg.IsDev())
	assert.Equal(t, 60, cfg.InteractionThreshold)
	assert.Equal(t, 5*time.Second, cfg.OpenAITimeout)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Brokers())
	assert.Equal(t, map[string]bool{"k1": true, "k2": true}, cfg.APIKeySet())
	assert.True(t, cfg.TracingEnabled)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"port", "PORT", "70000"},
		{"env", "ENV", "qa"},
		{"log level", "LOG_LEVEL", "loud"},
		{"catalog source", "CATALOG_SOURCE", "s3"},
		{"threshold", "INTERACTION_THRESHOLD", "101"},
		{"concurrency", "ALLERGY_CONCURRENCY", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := &Config{Env: "production", LogLevel: "warn"}
	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))
	assert.True(t, logger.Core().Enabled(1))
}
