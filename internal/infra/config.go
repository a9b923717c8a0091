package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string

	DBMaxConns     int
	DBMinConns     int
	DBConnLifetime time.Duration
	DBConnIdleTime time.Duration

	// Object storage. When MinioEndpoint is empty the worker falls back to
	// the local filesystem store rooted at StoragePath.
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	StoragePath    string
	PublicBaseURL  string
	SignedURLTTL   time.Duration

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIModel      string
	StabilityAPIKey  string
	StabilityBaseURL string
	DashScopeAPIKey  string
	DashScopeBaseURL string
	DashScopeModel   string

	WorkerConcurrency int
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	ProviderTimeout   time.Duration
	AttemptTimeout    time.Duration
	MaxProcessingTime time.Duration
	SweepInterval     time.Duration

	RateLimitPerWindow int
	RateLimitWindow    time.Duration

	HTTPReadTimeout       time.Duration
	HTTPReadHeaderTimeout time.Duration
	HTTPWriteTimeout      time.Duration
	HTTPIdleTimeout       time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		DBMaxConns:     getEnvInt("DB_MAX_CONNS", 10),
		DBMinConns:     getEnvInt("DB_MIN_CONNS", 1),
		DBConnLifetime: getEnvDuration("DB_CONN_LIFETIME", time.Hour),
		DBConnIdleTime: getEnvDuration("DB_CONN_IDLE_TIME", 30*time.Minute),

		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "generated-images"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		PublicBaseURL:  os.Getenv("STORAGE_PUBLIC_BASE_URL"),
		SignedURLTTL:   getEnvDuration("SIGNED_URL_TTL", 24*time.Hour),

		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:      getEnv("OPENAI_IMAGE_MODEL", "gpt-image-1"),
		StabilityAPIKey:  os.Getenv("STABILITY_API_KEY"),
		StabilityBaseURL: getEnv("STABILITY_BASE_URL", "https://api.stability.ai"),
		DashScopeAPIKey:  os.Getenv("DASHSCOPE_API_KEY"),
		DashScopeBaseURL: getEnv("DASHSCOPE_BASE_URL", "https://dashscope-intl.aliyuncs.com/api/v1"),
		DashScopeModel:   getEnv("DASHSCOPE_MODEL", "qwen-image-plus"),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 6),
		MaxAttempts:       getEnvInt("MAX_ATTEMPTS", 3),
		RetryBaseDelay:    getEnvDuration("RETRY_BASE_DELAY", 15*time.Second),
		ProviderTimeout:   getEnvDuration("PROVIDER_TIMEOUT", 12*time.Second),
		AttemptTimeout:    getEnvDuration("ATTEMPT_TIMEOUT", 2*time.Minute),
		MaxProcessingTime: getEnvDuration("MAX_PROCESSING_TIME", 5*time.Minute),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", time.Minute),

		RateLimitPerWindow: getEnvInt("RATE_LIMIT_PER_WINDOW", 60),
		RateLimitWindow:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		HTTPReadTimeout:       time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPReadHeaderTimeout: time.Second * time.Duration(getEnvInt("HTTP_READ_HEADER_TIMEOUT_SECONDS", 5)),
		HTTPWriteTimeout:      time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:       time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}

	if cfg.DBMaxConns < 1 || cfg.DBMinConns > cfg.DBMaxConns {
		return nil, fmt.Errorf("DB_MAX_CONNS must be at least 1 and no smaller than DB_MIN_CONNS")
	}

	return cfg, nil
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

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
