package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Proxy API
	ProxyAPIURL string

	// NEAR
	NearAccountID  string
	NearPrivateKey string
	NearRecipient  string

	// Storage
	DatabaseURL string
	StorageDir  string

	// Retry
	MaxRetries         int
	RetryDelay         time.Duration
	RetryMaxDelay      time.Duration
	NonRetryableErrors []string

	// Scheduler
	MaxAttempts            int
	SchedulerCheckInterval time.Duration
	SchedulerLookahead     time.Duration
	CleanupRetentionDays   int

	// RSS
	RSSFeeds        []string
	RSSPlatforms    []string
	RSSPollInterval time.Duration

	// Fetch
	FetchTimeout time.Duration
	MediaMaxSize int64

	// Server
	ServerPort    string
	APIKey        string
	WebhookSecret string

	// Rate Limit（受信API側）
	RateLimitAPI int

	// CORS
	CORSAllowedOrigin string
}

// defaultNonRetryable は再試行しても回復しないエラー本文の既定パターン。
var defaultNonRetryable = []string{
	"invalid credentials",
	"unauthorized",
	"forbidden",
	"not found",
	"duplicate",
	"invalid media",
	"content too long",
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.ProxyAPIURL = os.Getenv("PROXY_API_URL")
	if cfg.ProxyAPIURL == "" {
		missing = append(missing, "PROXY_API_URL")
	}

	cfg.NearAccountID = os.Getenv("NEAR_ACCOUNT_ID")
	if cfg.NearAccountID == "" {
		missing = append(missing, "NEAR_ACCOUNT_ID")
	}

	cfg.NearPrivateKey = os.Getenv("NEAR_PRIVATE_KEY")
	if cfg.NearPrivateKey == "" {
		missing = append(missing, "NEAR_PRIVATE_KEY")
	}

	cfg.APIKey = os.Getenv("API_KEY")
	if cfg.APIKey == "" {
		missing = append(missing, "API_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.NearRecipient = getEnvString("NEAR_RECIPIENT", "crosspost.near")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.StorageDir = getEnvString("STORAGE_DIR", "./data")
	cfg.MaxRetries = getEnvInt("MAX_RETRIES", 3)
	cfg.RetryDelay = getEnvDuration("RETRY_DELAY", time.Second)
	cfg.RetryMaxDelay = getEnvDuration("RETRY_MAX_DELAY", 5*time.Minute)
	cfg.NonRetryableErrors = getEnvStringSlice("NON_RETRYABLE_ERRORS", defaultNonRetryable)
	cfg.MaxAttempts = getEnvInt("MAX_ATTEMPTS", 3)
	cfg.SchedulerCheckInterval = getEnvDuration("SCHEDULER_CHECK_INTERVAL", time.Minute)
	cfg.SchedulerLookahead = getEnvDuration("SCHEDULER_LOOKAHEAD", 24*time.Hour)
	cfg.CleanupRetentionDays = getEnvInt("CLEANUP_RETENTION_DAYS", 30)
	cfg.RSSFeeds = getEnvStringSlice("RSS_FEEDS", nil)
	cfg.RSSPlatforms = getEnvStringSlice("RSS_PLATFORMS", nil)
	cfg.RSSPollInterval = getEnvDuration("RSS_POLL_INTERVAL", 15*time.Minute)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.MediaMaxSize = getEnvInt64("MEDIA_MAX_SIZE", 10485760)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	cfg.RateLimitAPI = getEnvInt("RATE_LIMIT_API", 120)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
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

// getEnvStringSlice はカンマ区切りの環境変数を読み込む。
// 空要素は取り除く。
func getEnvStringSlice(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
