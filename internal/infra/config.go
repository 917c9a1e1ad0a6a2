package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	GeoIPDBPath string

	StoragePath string

	WorkersPerQueue    int
	ProviderTimeout    time.Duration
	ProcessingLease    time.Duration
	DefaultMaxRetries  int
	FailedRetentionDay int

	OfflineQueueMax   int
	DrainItemTimeout  time.Duration
	DrainItemDelay    time.Duration
	ConnectivityProbe time.Duration
	PollInterval      time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	AllowedOrigins   []string
}

// FailedRetention converts the day-based retention setting to a duration.
func (c *Config) FailedRetention() time.Duration {
	return time.Duration(c.FailedRetentionDay) * 24 * time.Hour
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed. DATABASE_URL and JWT_SECRET are required because
// both binaries are useless without them.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		GeoIPDBPath: os.Getenv("GEOIP_DB_PATH"),

		StoragePath: getEnv("STORAGE_PATH", "./storage"),

		WorkersPerQueue:    getEnvInt("WORKERS_PER_QUEUE", 2),
		ProviderTimeout:    time.Second * time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 120)),
		ProcessingLease:    time.Minute * time.Duration(getEnvInt("PROCESSING_LEASE_MINUTES", 10)),
		DefaultMaxRetries:  getEnvInt("JOB_MAX_RETRIES", 3),
		FailedRetentionDay: getEnvInt("FAILED_JOB_RETENTION_DAYS", 7),

		OfflineQueueMax:   getEnvInt("OFFLINE_QUEUE_MAX", 100),
		DrainItemTimeout:  time.Second * time.Duration(getEnvInt("DRAIN_ITEM_TIMEOUT_SECONDS", 10)),
		DrainItemDelay:    time.Millisecond * time.Duration(getEnvInt("DRAIN_ITEM_DELAY_MS", 200)),
		ConnectivityProbe: time.Second * time.Duration(getEnvInt("CONNECTIVITY_PROBE_SECONDS", 5)),
		PollInterval:      time.Second * time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 3)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		AllowedOrigins:   splitCSV(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
