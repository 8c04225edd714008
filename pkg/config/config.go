// Package config loads gateway configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration for the credential store
	Storage StorageConfig

	// Rate limiter configuration
	RateLimit RateLimitConfig

	// Webhook delivery engine configuration
	Webhooks WebhookConfig

	// Observability configuration
	Observability ObservabilityConfig

	// Production withholds internal error detail from API responses.
	Production bool
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	AdminPort       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// StorageConfig selects the credential store backend.
type StorageConfig struct {
	// Type is "memory", "sqlite" or "postgres".
	Type string

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string

	// PostgresURL is the DSN for the postgres backend.
	PostgresURL string
}

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	// RulesPath is an optional YAML rule file; when set the file is watched
	// and reloaded on change.
	RulesPath string

	// SweepInterval is how often closed counter windows are reclaimed.
	SweepInterval time.Duration

	// RedisURL switches counters to a shared Redis store when set, so
	// multiple gateway instances enforce one budget.
	RedisURL      string
	RedisPassword string
	RedisDB       int
}

// WebhookConfig holds delivery engine configuration.
type WebhookConfig struct {
	QueueSize       int
	Workers         int
	DeliveryTimeout time.Duration
	LogSize         int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string
	LogPretty      bool
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		RateLimit:     loadRateLimitConfig(),
		Webhooks:      loadWebhookConfig(),
		Observability: loadObservabilityConfig(),
		Production:    getEnvBool("GATEWAY_PRODUCTION", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("GATEWAY_HOST", "0.0.0.0"),
		Port:            getEnv("GATEWAY_PORT", "8080"),
		AdminPort:       getEnv("GATEWAY_ADMIN_PORT", "8081"),
		ReadTimeout:     getEnvDuration("GATEWAY_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("GATEWAY_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("GATEWAY_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("GATEWAY_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("GATEWAY_HEALTH_PORT", "9090"),
	}
}

// loadStorageConfig loads credential store configuration from environment
func loadStorageConfig() StorageConfig {
	return StorageConfig{
		Type:        getEnv("GATEWAY_STORAGE_TYPE", "memory"),
		SQLitePath:  getEnv("GATEWAY_SQLITE_PATH", "gateway.db"),
		PostgresURL: getEnv("GATEWAY_POSTGRES_URL", ""),
	}
}

// loadRateLimitConfig loads rate limiter configuration from environment
func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RulesPath:     getEnv("GATEWAY_RATE_RULES_PATH", ""),
		SweepInterval: getEnvDuration("GATEWAY_RATE_SWEEP_INTERVAL", time.Minute),
		RedisURL:      getEnv("GATEWAY_REDIS_URL", ""),
		RedisPassword: getEnv("GATEWAY_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("GATEWAY_REDIS_DB", 0),
	}
}

// loadWebhookConfig loads delivery engine configuration from environment
func loadWebhookConfig() WebhookConfig {
	return WebhookConfig{
		QueueSize:       getEnvInt("GATEWAY_WEBHOOK_QUEUE_SIZE", 256),
		Workers:         getEnvInt("GATEWAY_WEBHOOK_WORKERS", 8),
		DeliveryTimeout: getEnvDuration("GATEWAY_WEBHOOK_TIMEOUT", 10*time.Second),
		LogSize:         getEnvInt("GATEWAY_WEBHOOK_LOG_SIZE", 1000),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       getEnv("GATEWAY_LOG_LEVEL", "info"),
		LogPretty:      getEnvBool("GATEWAY_LOG_PRETTY", false),
		MetricsEnabled: getEnvBool("GATEWAY_METRICS_ENABLED", true),
	}
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
	if c.Server.Port == c.Server.AdminPort {
		return fmt.Errorf("server port and admin port must be different")
	}

	switch c.Storage.Type {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite storage")
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory, sqlite, or postgres)", c.Storage.Type)
	}

	if c.RateLimit.SweepInterval <= 0 {
		return fmt.Errorf("rate limit sweep interval must be positive")
	}
	if c.Webhooks.QueueSize <= 0 {
		return fmt.Errorf("webhook queue size must be positive")
	}
	if c.Webhooks.Workers <= 0 {
		return fmt.Errorf("webhook worker count must be positive")
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
