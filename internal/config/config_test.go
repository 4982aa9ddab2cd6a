package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "8080", cfg.HTTP.Port)
	assert.Equal(t, 5, cfg.Guidelines.TopK)
	assert.InDelta(t, 0.35, cfg.Guidelines.MinSimilarity, 1e-9)
	assert.Equal(t, 3*time.Minute, cfg.Agent.CaseTimeout)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "data/clinical_guidelines.json", cfg.Guidelines.CorpusPath)
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("PORT", "9999")
	t.Setenv("GUIDELINE_TOP_K", "3")
	t.Setenv("GUIDELINE_MIN_SIMILARITY", "0.5")
	t.Setenv("AGENT_CASE_TIMEOUT", "90s")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "9999", cfg.HTTP.Port)
	assert.Equal(t, 3, cfg.Guidelines.TopK)
	assert.InDelta(t, 0.5, cfg.Guidelines.MinSimilarity, 1e-9)
	assert.Equal(t, 90*time.Second, cfg.Agent.CaseTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.CORSOrigins)
}

func TestLoadRequiresAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GEMINI_API_KEY")
}

func TestLoadRejectsRedisEnabledWithoutURL(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
}

func TestMalformedValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("GUIDELINE_TOP_K", "not-a-number")
	t.Setenv("AGENT_CASE_TIMEOUT", "soon")
	t.Setenv("REDIS_ENABLED", "maybe")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Guidelines.TopK)
	assert.Equal(t, 3*time.Minute, cfg.Agent.CaseTimeout)
	assert.False(t, cfg.Redis.Enabled)
}

func TestValidateBounds(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("GUIDELINE_MIN_SIMILARITY", "1.5")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GUIDELINE_MIN_SIMILARITY")
}
