package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string

	// Compaction worker pool
	CompactionWorkers   int
	CompactionQueueSize int
	// Number of update rows past the snapshot that triggers a compaction
	CompactionThreshold int

	// Cross-instance fan-out; empty disables it
	RedisAddr          string
	RedisChannelPrefix string

	// Observability; an empty endpoint disables tracing
	JaegerEndpoint   string
	TraceSampleRatio float64
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "crdt_sync"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		CompactionWorkers:   getEnvInt("COMPACTION_WORKERS", 2),
		CompactionQueueSize: getEnvInt("COMPACTION_QUEUE_SIZE", 100),
		CompactionThreshold: getEnvInt("COMPACTION_THRESHOLD", 50),

		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "crdt-sync:doc:"),

		JaegerEndpoint:   getEnvAllowEmpty("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TraceSampleRatio: getEnvFloat("TRACE_SAMPLE_RATIO", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.CompactionWorkers <= 0 {
		return fmt.Errorf("COMPACTION_WORKERS must be positive, got %d", c.CompactionWorkers)
	}
	if c.CompactionQueueSize <= 0 {
		return fmt.Errorf("COMPACTION_QUEUE_SIZE must be positive, got %d", c.CompactionQueueSize)
	}
	if c.CompactionThreshold <= 0 {
		return fmt.Errorf("COMPACTION_THRESHOLD must be positive, got %d", c.CompactionThreshold)
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be within [0, 1], got %g", c.TraceSampleRatio)
	}
	if c.ServerPort == "" {
		return fmt.Errorf("SERVER_PORT is required")
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAllowEmpty is getEnv for settings where an explicitly empty value
// means "off" rather than "use the default"
func getEnvAllowEmpty(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseFloat(value, 64); err == nil {
			return result
		}
	}
	return defaultValue
}
