// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
	GetDatabaseMaxConns() int
}

// MigrationConfig controls whether embedded migrations run on startup.
type MigrationConfig interface {
	GetRunMigrations() bool
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
}

// SchedulerConfig provides settings for the asynq delay queue.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
}

// DispatchConfig provides delivery and retry settings for the dispatch engine.
type DispatchConfig interface {
	GetDispatchTimeout() time.Duration
	GetDispatchMaxAttempts() int
	GetDispatchRetryBaseDelay() time.Duration
	GetDispatchRetryMaxDelay() time.Duration
	GetDispatchRateLimit() float64
	GetDispatchRateBurst() int
	GetDispatchUserAgent() string
}

// SecretsConfig provides the key used to decrypt destination secrets at rest.
type SecretsConfig interface {
	GetSourceSecretKey() []byte
}

// DedupeConfig provides settings for mutation notification de-duplication.
type DedupeConfig interface {
	GetNotificationDedupeTTL() time.Duration
}

// PhoneConfig provides the default region for phone number normalization.
type PhoneConfig interface {
	GetPhoneDefaultRegion() string
}

// RetrySweepConfig provides settings for the ledger retry sweeper.
type RetrySweepConfig interface {
	GetRetrySweepInterval() time.Duration
	GetStalePendingAfter() time.Duration
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                    string
	HTTPAddr               string
	DatabaseURL            string
	DatabaseMaxConns       int
	RunMigrations          bool
	CORSAllowAll           bool
	CORSOrigins            []string
	RedisURL               string
	RedisTLSInsecure       bool
	AsynqQueueName         string
	AsynqConcurrency       int
	DispatchTimeout        time.Duration
	DispatchMaxAttempts    int
	DispatchRetryBaseDelay time.Duration
	DispatchRetryMaxDelay  time.Duration
	DispatchRateLimit      float64
	DispatchRateBurst      int
	DispatchUserAgent      string
	SourceSecretKey        []byte
	NotificationDedupeTTL  time.Duration
	PhoneDefaultRegion     string
	RetrySweepInterval     time.Duration
	StalePendingAfter      time.Duration
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string  { return c.DatabaseURL }
func (c *Config) GetDatabaseMaxConns() int { return c.DatabaseMaxConns }

// MigrationConfig implementation
func (c *Config) GetRunMigrations() bool { return c.RunMigrations }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }

// SchedulerConfig implementation
func (c *Config) GetRedisURL() string       { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int  { return c.AsynqConcurrency }

// DispatchConfig implementation
func (c *Config) GetDispatchTimeout() time.Duration        { return c.DispatchTimeout }
func (c *Config) GetDispatchMaxAttempts() int              { return c.DispatchMaxAttempts }
func (c *Config) GetDispatchRetryBaseDelay() time.Duration { return c.DispatchRetryBaseDelay }
func (c *Config) GetDispatchRetryMaxDelay() time.Duration  { return c.DispatchRetryMaxDelay }
func (c *Config) GetDispatchRateLimit() float64            { return c.DispatchRateLimit }
func (c *Config) GetDispatchRateBurst() int                { return c.DispatchRateBurst }
func (c *Config) GetDispatchUserAgent() string             { return c.DispatchUserAgent }

// SecretsConfig implementation
func (c *Config) GetSourceSecretKey() []byte { return c.SourceSecretKey }

// DedupeConfig implementation
func (c *Config) GetNotificationDedupeTTL() time.Duration { return c.NotificationDedupeTTL }

// PhoneConfig implementation
func (c *Config) GetPhoneDefaultRegion() string { return c.PhoneDefaultRegion }

// RetrySweepConfig implementation
func (c *Config) GetRetrySweepInterval() time.Duration { return c.RetrySweepInterval }
func (c *Config) GetStalePendingAfter() time.Duration  { return c.StalePendingAfter }

// minDatabaseConns leaves room for one cursor transaction next to a ledger
// write and a health check.
const minDatabaseConns = 3

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	cfg := &Config{
		Env:                    getEnv("APP_ENV", "development"),
		HTTPAddr:               getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:       mustInt(getEnv("DB_MAX_CONNS", "25")),
		RunMigrations:          strings.EqualFold(getEnv("RUN_MIGRATIONS", "true"), "true"),
		CORSAllowAll:           corsAllowAll,
		CORSOrigins:            corsOrigins,
		RedisURL:               getEnv("REDIS_URL", ""),
		RedisTLSInsecure:       strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:         getEnv("ASYNQ_QUEUE", "leadflow"),
		AsynqConcurrency:       mustInt(getEnv("ASYNQ_CONCURRENCY", "10")),
		DispatchTimeout:        mustDuration(getEnv("DISPATCH_TIMEOUT", "15s")),
		DispatchMaxAttempts:    mustInt(getEnv("DISPATCH_MAX_ATTEMPTS", "5")),
		DispatchRetryBaseDelay: mustDuration(getEnv("DISPATCH_RETRY_BASE_DELAY", "30s")),
		DispatchRetryMaxDelay:  mustDuration(getEnv("DISPATCH_RETRY_MAX_DELAY", "30m")),
		DispatchRateLimit:      mustFloat(getEnv("DISPATCH_RATE_LIMIT", "5")),
		DispatchRateBurst:      mustInt(getEnv("DISPATCH_RATE_BURST", "10")),
		DispatchUserAgent:      getEnv("DISPATCH_USER_AGENT", "leadflow-dispatch/1.0"),
		NotificationDedupeTTL:  mustDuration(getEnv("NOTIFICATION_DEDUPE_TTL", "24h")),
		PhoneDefaultRegion:     strings.ToUpper(getEnv("PHONE_DEFAULT_REGION", "NL")),
		RetrySweepInterval:     mustDuration(getEnv("RETRY_SWEEP_INTERVAL", "1m")),
		StalePendingAfter:      mustDuration(getEnv("STALE_PENDING_AFTER", "10m")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.DatabaseMaxConns < minDatabaseConns {
		return nil, fmt.Errorf("DB_MAX_CONNS must be at least %d", minDatabaseConns)
	}
	if cfg.DispatchTimeout <= 0 {
		return nil, fmt.Errorf("DISPATCH_TIMEOUT must be a positive duration")
	}
	if cfg.DispatchMaxAttempts < 1 {
		return nil, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.DispatchRetryBaseDelay <= 0 || cfg.DispatchRetryMaxDelay < cfg.DispatchRetryBaseDelay {
		return nil, fmt.Errorf("DISPATCH_RETRY_BASE_DELAY must be positive and not exceed DISPATCH_RETRY_MAX_DELAY")
	}

	if raw := strings.TrimSpace(getEnv("SOURCE_SECRET_KEY", "")); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("SOURCE_SECRET_KEY must be 64 hex characters")
		}
		cfg.SourceSecretKey = key
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return result
}

func mustFloat(value string) float64 {
	result, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
