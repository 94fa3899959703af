package common

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Redis     RedisConfig
	Extractor ExtractorConfig
	Sync      SyncConfig
	Batch     BatchConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	HTTPAddr string
}

// RedisConfig holds the trigger/dispatch queue configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ExtractorConfig holds classifier service configuration
type ExtractorConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// SyncConfig holds external portal sync configuration
type SyncConfig struct {
	EndpointURL    string
	APIKey         string
	Mode           string
	RunBudget      time.Duration
	ClaimBatchSize int
	RatePerSecond  float64
	RateBurst      int
	RequestTimeout time.Duration
}

// BatchConfig holds batch processor tuning knobs
type BatchConfig struct {
	ConcurrencyLimit int
	MaxRetries       int
	RetryBaseDelay   time.Duration
	ChunkDelay       time.Duration
	ItemTimeout      time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Extractor: ExtractorConfig{
			BaseURL: getEnv("EXTRACTOR_BASE_URL", "https://api.openai.com/v1"),
			APIKey:  getEnv("EXTRACTOR_API_KEY", ""),
			Model:   getEnv("EXTRACTOR_MODEL", "gpt-4o-mini"),
			Timeout: getEnvAsDuration("EXTRACTOR_TIMEOUT", 45*time.Second),
		},
		Sync: SyncConfig{
			EndpointURL:    getEnv("SYNC_ENDPOINT_URL", ""),
			APIKey:         getEnv("SYNC_API_KEY", ""),
			Mode:           getEnv("SYNC_MODE", "full"),
			RunBudget:      getEnvAsDuration("SYNC_RUN_BUDGET", 50*time.Second),
			ClaimBatchSize: getEnvAsInt("SYNC_CLAIM_BATCH_SIZE", 20),
			RatePerSecond:  getEnvAsFloat64("SYNC_RATE_PER_SECOND", 2),
			RateBurst:      getEnvAsInt("SYNC_RATE_BURST", 1),
			RequestTimeout: getEnvAsDuration("SYNC_REQUEST_TIMEOUT", 30*time.Second),
		},
		Batch: BatchConfig{
			ConcurrencyLimit: getEnvAsInt("BATCH_CONCURRENCY_LIMIT", 5),
			MaxRetries:       getEnvAsInt("BATCH_MAX_RETRIES", 3),
			RetryBaseDelay:   getEnvAsDuration("BATCH_RETRY_BASE_DELAY", 2*time.Second),
			ChunkDelay:       getEnvAsDuration("BATCH_CHUNK_DELAY", time.Second),
			ItemTimeout:      getEnvAsDuration("BATCH_ITEM_TIMEOUT", 2*time.Minute),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Server.HTTPAddr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.Extractor.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "EXTRACTOR_API_KEY is required", ErrInvalidInput)
	}
	if c.Sync.EndpointURL != "" && !strings.HasPrefix(c.Sync.EndpointURL, "http") {
		return NewAppError("CONFIG_ERROR", "SYNC_ENDPOINT_URL must be an http(s) URL", ErrInvalidInput)
	}
	return nil
}
