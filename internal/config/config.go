package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/newsman/internal/source"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort  string
	MetricsPort string

	// Logging
	LogLevel string

	// Ingest
	IngestEmbedded    bool
	IngestInterval    time.Duration
	IngestDedupWindow time.Duration
	IngestRetention   time.Duration
	Sources           []source.Source // NEWS_SOURCES 未設定時は nil（組み込みソースを使う）

	// Fetch
	FetchTimeout       time.Duration
	FetchMaxSize       int64
	FetchMaxConcurrent int

	// Read API
	CacheTTL        time.Duration
	PageSizeDefault int
	PageSizeMax     int

	// Rate Limit
	RateLimitGeneral int

	// CORS
	CORSAllowedOrigin string

	// Kafka
	KafkaBrokers []string
	KafkaTopic   string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
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
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.IngestEmbedded = getEnvBool("INGEST_EMBEDDED", true)
	cfg.IngestInterval = getEnvDuration("INGEST_INTERVAL", time.Hour)
	cfg.IngestDedupWindow = getEnvDuration("INGEST_DEDUP_WINDOW", 6*time.Hour)
	cfg.IngestRetention = getEnvDuration("INGEST_RETENTION", 240*time.Hour)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.FetchMaxConcurrent = getEnvInt("FETCH_MAX_CONCURRENT", 1)
	cfg.CacheTTL = getEnvDuration("CACHE_TTL", 5*time.Minute)
	cfg.PageSizeDefault = getEnvInt("PAGE_SIZE_DEFAULT", 12)
	cfg.PageSizeMax = getEnvInt("PAGE_SIZE_MAX", 100)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.KafkaBrokers = getEnvList("KAFKA_BROKERS")
	cfg.KafkaTopic = getEnvString("KAFKA_TOPIC", "news.events")

	if raw := os.Getenv("NEWS_SOURCES"); raw != "" {
		sources, err := source.ParseList(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid NEWS_SOURCES: %w", err)
		}
		cfg.Sources = sources
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// KafkaEnabled はイベントバスが設定されているかを返す。
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Registry は設定されたソース一覧からRegistryを返す。
// NEWS_SOURCES が未設定の場合は組み込みのRegistryを返す。
func (c *Config) Registry() (*source.Registry, error) {
	if len(c.Sources) == 0 {
		return source.DefaultRegistry(), nil
	}
	return source.NewRegistry(c.Sources)
}

func (c *Config) validate() error {
	var invalid []string

	if c.IngestInterval <= 0 {
		invalid = append(invalid, "INGEST_INTERVAL")
	}
	if c.IngestDedupWindow <= 0 {
		invalid = append(invalid, "INGEST_DEDUP_WINDOW")
	}
	if c.IngestRetention <= 0 {
		invalid = append(invalid, "INGEST_RETENTION")
	}
	if c.FetchTimeout <= 0 {
		invalid = append(invalid, "FETCH_TIMEOUT")
	}
	if c.FetchMaxSize <= 0 {
		invalid = append(invalid, "FETCH_MAX_SIZE")
	}
	if c.FetchMaxConcurrent <= 0 {
		invalid = append(invalid, "FETCH_MAX_CONCURRENT")
	}
	if c.CacheTTL <= 0 {
		invalid = append(invalid, "CACHE_TTL")
	}
	if c.PageSizeDefault <= 0 {
		invalid = append(invalid, "PAGE_SIZE_DEFAULT")
	}
	if c.PageSizeMax <= 0 {
		invalid = append(invalid, "PAGE_SIZE_MAX")
	}

	if len(invalid) > 0 {
		return fmt.Errorf("environment variables must be positive: %v", invalid)
	}

	if c.PageSizeDefault > c.PageSizeMax {
		return fmt.Errorf("PAGE_SIZE_DEFAULT (%d) must not exceed PAGE_SIZE_MAX (%d)", c.PageSizeDefault, c.PageSizeMax)
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

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// getEnvList はカンマ区切りの環境変数を空要素を除いて返す。
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
