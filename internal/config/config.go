package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Redis（未設定の場合はキャッシュ・インスタンス間中継・自動再生を無効にする）
	RedisURL string

	// Store
	StoreTimeout  time.Duration
	QueueCacheTTL time.Duration

	// Metadata
	MetadataTimeout time.Duration
	MetadataMaxSize int64
	ImportMaxItems  int

	// Realtime
	BroadcastBuffer int
	MemberBuffer    int

	// Rate Limit
	RateLimitGeneral    int
	RateLimitSubmission int

	// Worker
	PlayedRetentionDays int
	CleanupInterval     time.Duration
	AutoplayConcurrency int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS（カンマ区切りで複数指定可）
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.StoreTimeout = getEnvDuration("STORE_TIMEOUT", 2*time.Second)
	cfg.QueueCacheTTL = getEnvDuration("QUEUE_CACHE_TTL", 30*time.Second)
	cfg.MetadataTimeout = getEnvDuration("METADATA_TIMEOUT", 5*time.Second)
	cfg.MetadataMaxSize = getEnvInt64("METADATA_MAX_SIZE", 1048576)
	cfg.ImportMaxItems = getEnvInt("IMPORT_MAX_ITEMS", 25)
	cfg.BroadcastBuffer = getEnvInt("BROADCAST_BUFFER", 1024)
	cfg.MemberBuffer = getEnvInt("MEMBER_BUFFER", 64)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSubmission = getEnvInt("RATE_LIMIT_SUBMISSION", 10)
	cfg.PlayedRetentionDays = getEnvInt("PLAYED_RETENTION_DAYS", 30)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.AutoplayConcurrency = getEnvInt("AUTOPLAY_CONCURRENCY", 4)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:"+cfg.ServerPort)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

// WatchConfig はwatchサブコマンド（キュー購読クライアント）の設定。
type WatchConfig struct {
	BaseURL  string
	Token    string
	UserID   string
	LogLevel string
}

// LoadWatch は環境変数からWatchConfigを読み込む。DATABASE_URLは不要。
func LoadWatch() (*WatchConfig, error) {
	cfg := &WatchConfig{
		BaseURL:  getEnvString("VOTEBOX_BASE_URL", "http://localhost:8080"),
		Token:    os.Getenv("VOTEBOX_TOKEN"),
		UserID:   os.Getenv("VOTEBOX_USER_ID"),
		LogLevel: getEnvString("LOG_LEVEL", "info"),
	}

	var missing []string
	if cfg.Token == "" {
		missing = append(missing, "VOTEBOX_TOKEN")
	}
	if cfg.UserID == "" {
		missing = append(missing, "VOTEBOX_USER_ID")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}
	return cfg, nil
}

// LoadDotEnv は.envファイルの内容を環境変数に読み込む。
// 既に設定されている環境変数は上書きしない。ファイルが存在しない場合は何もしない。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
