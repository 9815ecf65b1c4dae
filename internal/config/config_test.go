package config_test

import (
	"testing"
	"time"

	"residenthub/backend/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	for _, key := range []string{"HTTP_ADDR", "DATABASE_DSN", "REDIS_ADDR", "REDIS_DB", "TYPING_TIMEOUT", "HISTORY_PAGE_SIZE", "SUBSCRIBE_TIMEOUT", "MAX_MESSAGE_LENGTH", "PRESENCE_HEARTBEAT"} {
		t.Setenv(key, "")
	}

	cfg, err := config.FromEnv()

	require.NoError(t, err)
	assert.Equal(t, config.DefaultHTTPAddr, cfg.HTTPAddr)
	assert.Equal(t, config.DefaultDatabaseDSN, cfg.DatabaseDSN)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, 2*time.Second, cfg.TypingTimeout)
	assert.Equal(t, 50, cfg.HistoryPageSize)
	assert.Equal(t, 10*time.Second, cfg.SubscribeTimeout)
	assert.Equal(t, 4096, cfg.MaxMessageLength)
	assert.Equal(t, 15*time.Second, cfg.PresenceBeat)
	assert.Equal(t, 10*time.Minute, cfg.ObserveTTL)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("TYPING_TIMEOUT", "3s")
	t.Setenv("HISTORY_PAGE_SIZE", "20")

	cfg, err := config.FromEnv()

	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, 3*time.Second, cfg.TypingTimeout)
	assert.Equal(t, 20, cfg.HistoryPageSize)
}

func TestFromEnv_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("TYPING_TIMEOUT", "soon")
	t.Setenv("HISTORY_PAGE_SIZE", "-1")

	cfg, err := config.FromEnv()

	require.NoError(t, err)
	assert.Equal(t, config.DefaultTypingTimeout, cfg.TypingTimeout)
	assert.Equal(t, config.DefaultHistoryPageSize, cfg.HistoryPageSize)
}

func TestFromEnv_MissingSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := config.FromEnv()

	assert.ErrorIs(t, err, config.ErrMissingSecret)
}
