package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("INSTAGRAM_USERNAME", "scraper")
	t.Setenv("INSTAGRAM_PASSWORD", "hunter22")
	t.Setenv("SECRET_KEY", "s3cret")
	t.Setenv("ENCRYPTION_SALT", "salty")
}

func TestFromEnv_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.TelegramToken)
	assert.Equal(t, defaultDatabaseURL, cfg.Database.URL)
	assert.Equal(t, 5, cfg.Database.PoolSize)
	assert.Equal(t, 10, cfg.Database.MaxOverflow)
	assert.Equal(t, 10*time.Second, cfg.Database.PoolTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Database.PoolRecycle)
	assert.Equal(t, 10, cfg.RateLimit.Requests)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 5*time.Minute, cfg.RateLimit.BlockDuration)
	assert.Equal(t, time.Hour, cfg.JWTExpiration)
	assert.Equal(t, int64(50*1024*1024), cfg.MaxDownloadSize)
	assert.Equal(t, []string{"jpg", "jpeg", "png", "mp4"}, cfg.AllowedMediaTypes)
	assert.Equal(t, Features{ProfileDownload: true, PostDownload: true, StoryDownload: false, ReelDownload: true}, cfg.Features)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, "0.0.0.0:5000", cfg.ListenAddr())
	assert.Empty(t, cfg.WebhookURL)
}

func TestFromEnv_Production(t *testing.T) {
	setRequired(t)
	t.Setenv("ENV", "Production")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 20, cfg.Database.PoolSize)
	assert.Equal(t, 0, cfg.Database.MaxOverflow)
	assert.Equal(t, time.Hour, cfg.Database.PoolRecycle)
}

func TestFromEnv_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("TELEGRAM_ADMIN_IDS", "42, 7 ,")
	t.Setenv("TELEGRAM_LOG_CHANNEL_ID", "-100123")
	t.Setenv("RATE_LIMIT_REQUESTS", "3")
	t.Setenv("RATE_LIMIT_WINDOW", "30")
	t.Setenv("FEATURE_STORY_DOWNLOAD", "true")
	t.Setenv("FEATURE_REEL_DOWNLOAD", "0")
	t.Setenv("ALLOWED_MEDIA_TYPES", ".JPG, mp4")
	t.Setenv("DB_POOL_SIZE", "2")
	t.Setenv("WEBHOOK_URL", "https://example.com/")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, []int64{42, 7}, cfg.AdminIDs)
	assert.True(t, cfg.IsAdmin(42))
	assert.False(t, cfg.IsAdmin(1))
	assert.Equal(t, int64(-100123), cfg.TelegramLogChannelID)
	assert.Equal(t, 3, cfg.RateLimit.Requests)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.True(t, cfg.Features.StoryDownload)
	assert.False(t, cfg.Features.ReelDownload)
	assert.Equal(t, []string{"jpg", "mp4"}, cfg.AllowedMediaTypes)
	assert.Equal(t, 2, cfg.Database.PoolSize)
	assert.Equal(t, "https://example.com", cfg.WebhookURL)
}

func TestFromEnv_Errors(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantMsg string
	}{
		{"missing token", "TELEGRAM_BOT_TOKEN", "", "TELEGRAM_BOT_TOKEN"},
		{"missing instagram password", "INSTAGRAM_PASSWORD", "", "INSTAGRAM_PASSWORD"},
		{"missing secret", "SECRET_KEY", "", "SECRET_KEY"},
		{"bad admin id", "TELEGRAM_ADMIN_IDS", "1,abc", "TELEGRAM_ADMIN_IDS"},
		{"bad feature flag", "FEATURE_POST_DOWNLOAD", "maybe", "FEATURE_POST_DOWNLOAD"},
		{"zero rate limit", "RATE_LIMIT_REQUESTS", "0", "RATE_LIMIT_REQUESTS"},
		{"negative size", "MAX_DOWNLOAD_SIZE", "-1", "MAX_DOWNLOAD_SIZE"},
		{"empty media list", "ALLOWED_MEDIA_TYPES", " , ", "ALLOWED_MEDIA_TYPES"},
		{"bad port", "PORT", "70000", "PORT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.value)

			cfg, err := FromEnv()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestCreateDirectories(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{
		DownloadDirectory: filepath.Join(root, "downloads"),
		LogDir:            filepath.Join(root, "logs"),
		TempDirectory:     filepath.Join(root, "temp"),
	}

	require.NoError(t, cfg.CreateDirectories())

	for _, dir := range []string{cfg.DownloadDirectory, cfg.LogDir, cfg.TempDirectory} {
		assert.DirExists(t, dir)
	}
}
