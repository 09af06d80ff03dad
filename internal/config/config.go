// Package config provides configuration management for the site scanner application.
// It loads configuration from environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store backends
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Worker    WorkerConfig
	Reaper    ReaperConfig
	Scan      ScanConfig
	Quota     QuotaConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// StoreConfig selects the Job Store implementation
type StoreConfig struct {
	Backend string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
	MigrationsPath string
}

// URL returns the connection URL used by golang-migrate
func (c *PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MigrationsPath string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
	PlanCacheTTL   time.Duration // 0 disables the plan cache
}

// WorkerConfig holds worker loop configuration
type WorkerConfig struct {
	ID           string
	Embedded     bool          // run the reaper and worker loop inside the API process
	PollInterval time.Duration // idle sleep between empty claims (default: 1s)
}

// ReaperConfig holds stale job sweep thresholds
type ReaperConfig struct {
	QueuedTTL  time.Duration
	RunningTTL time.Duration
}

// ScanConfig holds per-fetch bounds for scan execution
type ScanConfig struct {
	UserAgent     string
	HeaderTimeout time.Duration
	PageTimeout   time.Duration
	TLSTimeout    time.Duration
	MaxBodyBytes  int64
	CrawlRPS      float64 // 0 disables pacing
	ErrorMaxLen   int
}

// QuotaConfig holds enqueue limits
type QuotaConfig struct {
	Window             time.Duration
	FreeDaily          int
	PaidDaily          int
	FreeRetestCooldown time.Duration
	AdvancedCooldown   time.Duration
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RPS   int
	Burst int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Store: StoreConfig{
			Backend: getEnv("STORE_BACKEND", StoreBackendPostgres),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "site_scanner"),
				User:           getEnv("POSTGRES_USER", "scanner"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				SSLMode:        getEnv("POSTGRES_SSLMODE", "disable"),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
				MigrationsPath: getEnv("POSTGRES_MIGRATIONS_PATH", "migrations/postgres"),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:        getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:           getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:           getEnv("CLICKHOUSE_PORT", "9000"),
				Database:       getEnv("CLICKHOUSE_DB", "site_scanner"),
				User:           getEnv("CLICKHOUSE_USER", "default"),
				Password:       getEnv("CLICKHOUSE_PASSWORD", ""),
				MigrationsPath: getEnv("CLICKHOUSE_MIGRATIONS_PATH", "migrations/clickhouse"),
			},
			Redis: RedisConfig{
				Enabled:        getEnvAsBool("REDIS_ENABLED", true),
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
				PlanCacheTTL:   getEnvAsDuration("REDIS_PLAN_CACHE_TTL", 5*time.Minute),
			},
		},
		Worker: WorkerConfig{
			ID:           getEnv("WORKER_ID", ""),
			Embedded:     getEnvAsBool("WORKER_EMBEDDED", true),
			PollInterval: getEnvAsDuration("WORKER_POLL_INTERVAL", time.Second),
		},
		Reaper: ReaperConfig{
			QueuedTTL:  getEnvAsDuration("REAPER_QUEUED_TTL", 30*time.Minute),
			RunningTTL: getEnvAsDuration("REAPER_RUNNING_TTL", 60*time.Minute),
		},
		Scan: ScanConfig{
			UserAgent:     getEnv("SCAN_USER_AGENT", "SaaS-Scanner/1.0"),
			HeaderTimeout: getEnvAsDuration("SCAN_HEADER_TIMEOUT", 10*time.Second),
			PageTimeout:   getEnvAsDuration("SCAN_PAGE_TIMEOUT", 8*time.Second),
			TLSTimeout:    getEnvAsDuration("SCAN_TLS_TIMEOUT", 8*time.Second),
			MaxBodyBytes:  int64(getEnvAsInt("SCAN_MAX_BODY_BYTES", 2<<20)),
			CrawlRPS:      getEnvAsFloat("SCAN_CRAWL_RPS", 0),
			ErrorMaxLen:   getEnvAsInt("SCAN_ERROR_MAX_LEN", 500),
		},
		Quota: QuotaConfig{
			Window:             getEnvAsDuration("QUOTA_WINDOW", 24*time.Hour),
			FreeDaily:          getEnvAsInt("QUOTA_FREE_DAILY", 3),
			PaidDaily:          getEnvAsInt("QUOTA_PAID_DAILY", 200),
			FreeRetestCooldown: getEnvAsDuration("QUOTA_FREE_RETEST_COOLDOWN", 30*time.Minute),
			AdvancedCooldown:   getEnvAsDuration("QUOTA_ADVANCED_COOLDOWN", 20*time.Second),
		},
		RateLimit: RateLimitConfig{
			RPS:   getEnvAsInt("RATE_LIMIT_RPS", 10),
			Burst: getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks values that would otherwise break the worker or scanners at runtime
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreBackendPostgres, StoreBackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Worker.PollInterval <= 0 {
		return errors.New("worker poll interval must be positive")
	}
	if c.Reaper.QueuedTTL <= 0 || c.Reaper.RunningTTL <= 0 {
		return errors.New("reaper TTLs must be positive")
	}
	if c.Scan.HeaderTimeout <= 0 || c.Scan.PageTimeout <= 0 || c.Scan.TLSTimeout <= 0 {
		return errors.New("scan timeouts must be positive")
	}
	if c.Scan.ErrorMaxLen <= 0 {
		return errors.New("scan error max length must be positive")
	}
	if c.Quota.Window <= 0 {
		return errors.New("quota window must be positive")
	}
	if c.Database.Postgres.MaxConnections <= 0 {
		return errors.New("postgres max connections must be positive")
	}

	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
