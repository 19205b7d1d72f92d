package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/billsync/billsync/pkg/observability"
	"github.com/billsync/billsync/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      storage.ConnectionConfig
	Redis         RedisConfig
	Processor     ProcessorConfig
	Sync          SyncConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// RedisConfig holds Redis and cache configuration. An empty URL disables
// the shared cache tier; the in-process cache still runs.
type RedisConfig struct {
	URL       string
	CacheSize int
	CacheTTL  time.Duration
}

// ProcessorConfig holds payment processor credentials
type ProcessorConfig struct {
	APIKey        string
	WebhookSecret string
}

// SyncConfig holds full-sync scheduling configuration
type SyncConfig struct {
	// Schedule is a cron expression for the periodic full sync.
	Schedule string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("BILLSYNC_HOST", "0.0.0.0"),
			Port:            getEnv("BILLSYNC_PORT", "8080"),
			ReadTimeout:     getEnvDuration("BILLSYNC_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("BILLSYNC_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("BILLSYNC_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("BILLSYNC_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("BILLSYNC_HEALTH_PORT", "9090"),
		},
		Database: storage.ConnectionConfig{
			URL:         getEnv("BILLSYNC_POSTGRES_URL", ""),
			MaxConns:    getEnvInt("BILLSYNC_POSTGRES_MAX_CONNS", 25),
			MinConns:    getEnvInt("BILLSYNC_POSTGRES_MIN_CONNS", 5),
			Timeout:     getEnvDuration("BILLSYNC_POSTGRES_TIMEOUT", 10*time.Second),
			MaxLifetime: getEnvDuration("BILLSYNC_POSTGRES_MAX_LIFETIME", 30*time.Minute),
			MaxIdleTime: getEnvDuration("BILLSYNC_POSTGRES_MAX_IDLE_TIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:       getEnv("BILLSYNC_REDIS_URL", ""),
			CacheSize: getEnvInt("BILLSYNC_CACHE_SIZE", 1024),
			CacheTTL:  getEnvDuration("BILLSYNC_CACHE_TTL", 5*time.Minute),
		},
		Processor: ProcessorConfig{
			APIKey:        getEnv("BILLSYNC_STRIPE_API_KEY", ""),
			WebhookSecret: getEnv("BILLSYNC_STRIPE_WEBHOOK_SECRET", ""),
		},
		Sync: SyncConfig{
			Schedule: getEnv("BILLSYNC_SYNC_SCHEDULE", "0 3 * * *"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       observability.ParseLogLevel(strings.ToLower(getEnv("BILLSYNC_LOG_LEVEL", "info"))),
			MetricsEnabled: getEnvBool("BILLSYNC_METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Processor.APIKey == "" {
		return fmt.Errorf("processor API key is required")
	}

	if c.Redis.CacheSize <= 0 {
		return fmt.Errorf("cache size must be positive")
	}
	if c.Redis.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
