package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("JWT_SECRET", "secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, 60*time.Second, cfg.GenerationTimeout)
	assert.Equal(t, 10, cfg.HistoryLimit)
	assert.Equal(t, 10000, cfg.MaxMessageLength)
	assert.Equal(t, 30*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
	assert.Equal(t, "localhost:8080", cfg.ListenAddr())
}

func TestLoad_RequiresSecrets(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("JWT_SECRET", "secret")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("JWT_SECRET", "")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("AI_GENERATION_TIMEOUT", "45s")
	t.Setenv("HISTORY_LIMIT", "5")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("EVENT_RATE_LIMIT", "2.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 45*time.Second, cfg.GenerationTimeout)
	assert.Equal(t, 5, cfg.HistoryLimit)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.InDelta(t, 2.5, cfg.EventRateLimit, 0.0001)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	setRequired(t)
	t.Setenv("IDLE_TIMEOUT", "forever")
	t.Setenv("SEND_BUFFER_SIZE", "-3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 256, cfg.SendBufferSize)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	setRequired(t)
	t.Setenv("DB_DRIVER", "mongo")

	_, err := Load()
	assert.Error(t, err)
}
