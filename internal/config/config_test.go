package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GIN_MODE", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Port)
	assert.Equal(t, time.Hour, cfg.JobTTL)
	assert.Equal(t, time.Hour, cfg.JobTimeout)
	assert.Equal(t, 60*time.Second, cfg.JobSoftTimeoutMargin)
	assert.Equal(t, 3, cfg.JobMaxRetry)
	assert.Equal(t, 60*time.Second, cfg.JobRetryDelay)
	assert.Equal(t, time.Hour+5*time.Minute, cfg.ReaperStaleAfter)
	// 未終了のレコードはリーパーが判定するまで残る
	assert.Equal(t, time.Hour+7*time.Minute, cfg.JobActiveTTL)
	assert.Greater(t, cfg.JobActiveTTL, cfg.ReaperStaleAfter+cfg.ReaperInterval)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAI.Model)
	assert.Equal(t, "research.lifecycle", cfg.NATSSubject)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JOB_TTL", "30m")
	t.Setenv("JOB_MAX_RETRY", "2")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.example, http://b.example ,")
	t.Setenv("OPENAI_MODEL", "gemini-2.5-flash")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.JobTTL)
	assert.Equal(t, 2, cfg.JobMaxRetry)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins())
	assert.Equal(t, "gemini-2.5-flash", cfg.OpenAI.Model)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			QueueRedisURL:        "redis://localhost:6379/0",
			JobTTL:               time.Hour,
			JobTimeout:           time.Hour,
			JobSoftTimeoutMargin: time.Minute,
			JobRetryDelay:        time.Minute,
			ReaperInterval:       time.Minute,
			ReaperStaleAfter:     time.Hour + 5*time.Minute,
			JobActiveTTL:         2 * time.Hour,
		}
	}

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, base().Validate())
	})

	t.Run("soft margin must be shorter than timeout", func(t *testing.T) {
		cfg := base()
		cfg.JobSoftTimeoutMargin = 2 * time.Hour
		require.Error(t, cfg.Validate())
	})

	t.Run("unfinished records must outlive the reaper threshold", func(t *testing.T) {
		cfg := base()
		cfg.JobActiveTTL = time.Hour
		require.Error(t, cfg.Validate())

		cfg.JobActiveTTL = cfg.ReaperStaleAfter + cfg.ReaperInterval
		require.Error(t, cfg.Validate())
	})

	t.Run("negative retry", func(t *testing.T) {
		cfg := base()
		cfg.JobMaxRetry = -1
		require.Error(t, cfg.Validate())
	})

	t.Run("auth needs credentials", func(t *testing.T) {
		cfg := base()
		cfg.AuthRequired = true
		cfg.SessionSecret = "secret"
		require.Error(t, cfg.Validate())

		cfg.APIKeyHash = "$2a$10$abc"
		require.NoError(t, cfg.Validate())
	})

	t.Run("release requires llm key", func(t *testing.T) {
		cfg := base()
		cfg.GinMode = "release"
		require.Error(t, cfg.Validate())

		cfg.OpenAI.APIKey = "sk-test"
		require.NoError(t, cfg.Validate())
	})
}
