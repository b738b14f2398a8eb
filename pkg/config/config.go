package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gsmlg-opt/repub-sub002/pkg/observability"
	"github.com/gsmlg-opt/repub-sub002/pkg/storageconfig"
)

// Config holds all process configuration, loaded from REPUB_*
// environment variables. Everything here is environment-only; runtime
// tunables live in the metadata store's site config instead.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Storage   storageconfig.Config
	Upstream  UpstreamConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Redis     RedisConfig
	LogLevel  observability.LogLevel
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	ListenAddr      string
	BaseURL         string
	DataDir         string
	LockFile        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig selects the metadata backend. A postgres:// URL picks
// the network backend; anything else is treated as a SQLite file path.
type DatabaseConfig struct {
	URL string
}

// IsPostgres reports whether the URL names a postgres database.
func (d DatabaseConfig) IsPostgres() bool {
	return strings.HasPrefix(d.URL, "postgres://") || strings.HasPrefix(d.URL, "postgresql://")
}

// UpstreamConfig controls the proxy-cache.
type UpstreamConfig struct {
	Enabled    bool
	URL        string
	ListingTTL time.Duration
}

// AuthConfig controls which operations demand a token.
type AuthConfig struct {
	RequirePublishAuth  bool
	RequireDownloadAuth bool
	SignedURLTTL        time.Duration
}

// RateLimitConfig is the per-IP request budget at the HTTP entry.
// StrictRequests is the tighter budget for publish and admin routes,
// sharing the same window.
type RateLimitConfig struct {
	Requests       int
	StrictRequests int
	Window         time.Duration
}

// RedisConfig enables the distributed rate limiter when a URL is set.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	dataDir := getEnv("REPUB_DATA_DIR", "./data")

	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:      getEnv("REPUB_LISTEN_ADDR", ":8080"),
			BaseURL:         strings.TrimRight(getEnv("REPUB_BASE_URL", "http://localhost:8080"), "/"),
			DataDir:         dataDir,
			LockFile:        getEnv("REPUB_LOCK_FILE", filepath.Join(dataDir, "repub.pid")),
			ReadTimeout:     getEnvDuration("REPUB_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("REPUB_WRITE_TIMEOUT", 5*time.Minute),
			IdleTimeout:     getEnvDuration("REPUB_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("REPUB_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL: getEnv("REPUB_DATABASE_URL", filepath.Join(dataDir, "repub.db")),
		},
		Storage: storageconfig.Config{
			Backend:      getEnv("REPUB_STORAGE_BACKEND", storageconfig.BackendFilesystem),
			Path:         getEnv("REPUB_STORAGE_PATH", filepath.Join(dataDir, "blobs")),
			Bucket:       getEnv("REPUB_S3_BUCKET", ""),
			Region:       getEnv("REPUB_S3_REGION", ""),
			Endpoint:     getEnv("REPUB_S3_ENDPOINT", ""),
			AccessKey:    getEnv("REPUB_S3_ACCESS_KEY", ""),
			SecretKey:    getEnv("REPUB_S3_SECRET_KEY", ""),
			UsePathStyle: getEnvBool("REPUB_S3_USE_PATH_STYLE", false),
		},
		Upstream: UpstreamConfig{
			Enabled:    getEnvBool("REPUB_ENABLE_UPSTREAM_PROXY", false),
			URL:        strings.TrimRight(getEnv("REPUB_UPSTREAM_URL", "https://pub.dev"), "/"),
			ListingTTL: getEnvDuration("REPUB_UPSTREAM_TTL", 5*time.Minute),
		},
		Auth: AuthConfig{
			RequirePublishAuth:  getEnvBool("REPUB_REQUIRE_PUBLISH_AUTH", true),
			RequireDownloadAuth: getEnvBool("REPUB_REQUIRE_DOWNLOAD_AUTH", false),
			SignedURLTTL:        time.Duration(getEnvInt("REPUB_SIGNED_URL_TTL_SECONDS", 3600)) * time.Second,
		},
		RateLimit: RateLimitConfig{
			Requests:       getEnvInt("REPUB_RATE_LIMIT_REQUESTS", 300),
			StrictRequests: getEnvInt("REPUB_STRICT_RATE_LIMIT_REQUESTS", 60),
			Window:         time.Duration(getEnvInt("REPUB_RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		},
		Redis: RedisConfig{
			URL:      getEnv("REPUB_REDIS_URL", ""),
			Password: getEnv("REPUB_REDIS_PASSWORD", ""),
			DB:       getEnvInt("REPUB_REDIS_DB", 0),
		},
		LogLevel: observability.ParseLevel(getEnv("REPUB_LOG_LEVEL", "info")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if !strings.HasPrefix(c.Server.BaseURL, "http://") && !strings.HasPrefix(c.Server.BaseURL, "https://") {
		return fmt.Errorf("base URL must be http or https, got %q", c.Server.BaseURL)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if c.Upstream.Enabled && !strings.HasPrefix(c.Upstream.URL, "http") {
		return fmt.Errorf("upstream URL must be http or https, got %q", c.Upstream.URL)
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit requests and window must be positive")
	}
	if c.RateLimit.StrictRequests <= 0 {
		return fmt.Errorf("strict rate limit requests must be positive")
	}
	return nil
}

// getEnv returns an environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
