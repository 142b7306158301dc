package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultDatabaseURL     = "sqlite:///instagram_bot.db"
	defaultJWTExpiration   = 60
	defaultRateLimitReqs   = 10
	defaultRateLimitWindow = 60
	defaultRateLimitBlock  = 300
	defaultMaxDownloadSize = 50 * 1024 * 1024
	defaultAllowedMedia    = "jpg,jpeg,png,mp4"
	defaultDownloadDir     = "downloads"
	defaultRetentionDays   = 7
	defaultLogDir          = "logs"
	defaultTempDir         = "temp"
	defaultHost            = "0.0.0.0"
	defaultPort            = 5000
	productionEnvironment  = "production"
	developmentEnvironment = "development"
)

type Config struct {
	TelegramToken        string
	TelegramLogChannelID int64
	AdminIDs             []int64

	InstagramUsername string
	InstagramPassword string

	Database DatabaseConfig

	SecretKey      string
	EncryptionSalt string
	JWTExpiration  time.Duration

	RateLimit RateLimitConfig
	Features  Features

	MaxDownloadSize   int64
	AllowedMediaTypes []string
	DownloadDirectory string
	DownloadRetention time.Duration
	TempDirectory     string

	Env      string
	LogLevel string
	LogDir   string

	WebhookURL string
	Host       string
	Port       int
}

type DatabaseConfig struct {
	URL         string
	PoolSize    int
	MaxOverflow int
	PoolTimeout time.Duration
	PoolRecycle time.Duration
}

type RateLimitConfig struct {
	Requests      int
	Window        time.Duration
	BlockDuration time.Duration
}

type Features struct {
	ProfileDownload bool
	PostDownload    bool
	StoryDownload   bool
	ReelDownload    bool
}

// LoadConfig reads the project .env (if any) and then the process environment.
func LoadConfig() (*Config, error) {
	projectRoot, err := findProjectRoot()
	if err != nil {
		log.Printf("project root not found: %v", err)
	} else {
		envPath := filepath.Join(projectRoot, ".env")
		if err := godotenv.Load(envPath); err != nil {
			log.Printf("could not load .env file: %v", err)
		}
	}

	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		TelegramLogChannelID: p.getInt64("TELEGRAM_LOG_CHANNEL_ID", 0),
		AdminIDs:             p.getInt64List("TELEGRAM_ADMIN_IDS"),
		JWTExpiration:        time.Duration(p.getInt("JWT_EXPIRATION_MINUTES", defaultJWTExpiration)) * time.Minute,
		RateLimit: RateLimitConfig{
			Requests:      p.getInt("RATE_LIMIT_REQUESTS", defaultRateLimitReqs),
			Window:        p.getSeconds("RATE_LIMIT_WINDOW", defaultRateLimitWindow),
			BlockDuration: p.getSeconds("RATE_LIMIT_BLOCK_DURATION", defaultRateLimitBlock),
		},
		Features: Features{
			ProfileDownload: p.getBool("FEATURE_PROFILE_DOWNLOAD", true),
			PostDownload:    p.getBool("FEATURE_POST_DOWNLOAD", true),
			StoryDownload:   p.getBool("FEATURE_STORY_DOWNLOAD", false),
			ReelDownload:    p.getBool("FEATURE_REEL_DOWNLOAD", true),
		},
		MaxDownloadSize:   p.getInt64("MAX_DOWNLOAD_SIZE", defaultMaxDownloadSize),
		AllowedMediaTypes: parseMediaTypes(getEnvOrDefault("ALLOWED_MEDIA_TYPES", defaultAllowedMedia)),
		DownloadDirectory: getEnvOrDefault("DOWNLOAD_DIRECTORY", defaultDownloadDir),
		DownloadRetention: time.Duration(p.getInt("DOWNLOAD_RETENTION_DAYS", defaultRetentionDays)) * 24 * time.Hour,
		TempDirectory:     getEnvOrDefault("TEMP_DIRECTORY", defaultTempDir),
		Env:               strings.ToLower(getEnvOrDefault("ENV", developmentEnvironment)),
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
		LogDir:            getEnvOrDefault("LOG_DIR", defaultLogDir),
		WebhookURL:        strings.TrimRight(os.Getenv("WEBHOOK_URL"), "/"),
		Host:              getEnvOrDefault("HOST", defaultHost),
		Port:              p.getInt("PORT", defaultPort),
	}

	pool := defaultPool(cfg.IsProduction())
	cfg.Database = DatabaseConfig{
		URL:         getEnvOrDefault("DATABASE_URL", defaultDatabaseURL),
		PoolSize:    p.getInt("DB_POOL_SIZE", pool.PoolSize),
		MaxOverflow: p.getInt("DB_POOL_MAX_OVERFLOW", pool.MaxOverflow),
		PoolTimeout: p.getSeconds("DB_POOL_TIMEOUT", int(pool.PoolTimeout/time.Second)),
		PoolRecycle: p.getSeconds("DB_POOL_RECYCLE", int(pool.PoolRecycle/time.Second)),
	}

	if p.err != nil {
		return nil, p.err
	}

	if err := cfg.loadRequired(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadRequired() error {
	required := []struct {
		key string
		ptr *string
	}{
		{"TELEGRAM_BOT_TOKEN", &c.TelegramToken},
		{"INSTAGRAM_USERNAME", &c.InstagramUsername},
		{"INSTAGRAM_PASSWORD", &c.InstagramPassword},
		{"SECRET_KEY", &c.SecretKey},
		{"ENCRYPTION_SALT", &c.EncryptionSalt},
	}

	for _, r := range required {
		value := os.Getenv(r.key)
		if value == "" {
			return fmt.Errorf("missing critical configuration: %s", r.key)
		}
		*r.ptr = value
	}
	return nil
}

func (c *Config) validate() error {
	switch {
	case c.RateLimit.Requests < 1:
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive, got %d", c.RateLimit.Requests)
	case c.RateLimit.Window <= 0:
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	case c.MaxDownloadSize <= 0:
		return fmt.Errorf("MAX_DOWNLOAD_SIZE must be positive, got %d", c.MaxDownloadSize)
	case len(c.AllowedMediaTypes) == 0:
		return fmt.Errorf("ALLOWED_MEDIA_TYPES must list at least one extension")
	case c.JWTExpiration <= 0:
		return fmt.Errorf("JWT_EXPIRATION_MINUTES must be positive")
	case c.Database.PoolSize < 1:
		return fmt.Errorf("DB_POOL_SIZE must be positive, got %d", c.Database.PoolSize)
	case c.Database.MaxOverflow < 0:
		return fmt.Errorf("DB_POOL_MAX_OVERFLOW must not be negative, got %d", c.Database.MaxOverflow)
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == productionEnvironment
}

func (c *Config) IsAdmin(telegramID int64) bool {
	for _, id := range c.AdminIDs {
		if id == telegramID {
			return true
		}
	}
	return false
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CreateDirectories makes sure every directory the bot writes to exists.
func (c *Config) CreateDirectories() error {
	for _, dir := range []string{c.DownloadDirectory, c.LogDir, c.TempDirectory} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func defaultPool(production bool) DatabaseConfig {
	if production {
		return DatabaseConfig{
			PoolSize:    20,
			MaxOverflow: 0,
			PoolTimeout: 30 * time.Second,
			PoolRecycle: time.Hour,
		}
	}
	return DatabaseConfig{
		PoolSize:    5,
		MaxOverflow: 10,
		PoolTimeout: 10 * time.Second,
		PoolRecycle: 30 * time.Minute,
	}
}

func parseMediaTypes(raw string) []string {
	var types []string
	for _, part := range strings.Split(raw, ",") {
		ext := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(part), "."))
		if ext != "" {
			types = append(types, ext)
		}
	}
	return types
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser keeps the first conversion error so FromEnv can report it once.
type parser struct {
	err error
}

func (p *parser) getInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" || p.err != nil {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, raw, err)
		return def
	}
	return v
}

func (p *parser) getInt64(key string, def int64) int64 {
	raw := os.Getenv(key)
	if raw == "" || p.err != nil {
		return def
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, raw, err)
		return def
	}
	return v
}

func (p *parser) getSeconds(key string, def int) time.Duration {
	return time.Duration(p.getInt(key, def)) * time.Second
}

func (p *parser) getBool(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" || p.err != nil {
		return def
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, raw, err)
		return def
	}
	return v
}

func (p *parser) getInt64List(key string) []int64 {
	raw := os.Getenv(key)
	if raw == "" || p.err != nil {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			p.err = fmt.Errorf("invalid %s entry %q: %w", key, part, err)
			return nil
		}
		ids = append(ids, id)
	}
	return ids
}

func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}
