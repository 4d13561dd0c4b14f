package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration for the server
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Registry  RegistryConfig
	Compiler  CompilerConfig
	Indexer   IndexerConfig
	Publisher PublisherConfig
	Logging   LoggingConfig
	RateLimit RateLimitConfig
	Metrics   MetricsConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int
	Host         string
	ReadTimeout  int // seconds
	WriteTimeout int // seconds
	IdleTimeout  int // seconds
	MaxBodyMB    int // request body size cap
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type     string // "sqlite" or "postgres"
	Postgres PostgresConfig
	SQLite   SQLiteConfig
}

// PostgresConfig holds Postgres connection settings
type PostgresConfig struct {
	URL string
}

// SQLiteConfig holds SQLite settings
type SQLiteConfig struct {
	Path string
}

// RegistryConfig points at the supported license/language reference data
type RegistryConfig struct {
	Path string // TOML file; empty uses built-in defaults
}

// CompilerConfig holds sandbox and quota settings for toolchain runs
type CompilerConfig struct {
	WorkDir        string // root under which job workspaces are created
	DepsDir        string // local pinned dependency mirror
	TimeoutSeconds int    // wall-clock quota per toolchain invocation
	MemoryBytes    int64  // memory ceiling per toolchain invocation
	CPUs           float64
	Workers        int // bounded worker pool size
}

// IndexerConfig holds the on-chain bytecode CID source settings
type IndexerConfig struct {
	URL            string
	TimeoutSeconds int
	Retries        int
}

// PublisherConfig holds result notification settings
type PublisherConfig struct {
	WebhookURL     string // empty disables the webhook sink
	TimeoutSeconds int
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string
	Format string // "text" or "json"
}

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	Enabled        bool
	RequestsPerMin int
	BurstSize      int
	CleanupMinutes int
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnvInt("PORT", 8080),
			Host:         getEnv("HOST", "0.0.0.0"),
			ReadTimeout:  getEnvInt("SERVER_READ_TIMEOUT", 30),
			WriteTimeout: getEnvInt("SERVER_WRITE_TIMEOUT", 60),
			IdleTimeout:  getEnvInt("SERVER_IDLE_TIMEOUT", 120),
			MaxBodyMB:    getEnvInt("SERVER_MAX_BODY_MB", 10),
		},
		Storage: StorageConfig{
			Type: getEnv("STORAGE_TYPE", "sqlite"),
			Postgres: PostgresConfig{
				URL: getEnv("DATABASE_URL", ""),
			},
			SQLite: SQLiteConfig{
				Path: getEnv("SQLITE_PATH", "./data/veriforge.db"),
			},
		},
		Registry: RegistryConfig{
			Path: getEnv("REGISTRY_PATH", ""),
		},
		Compiler: CompilerConfig{
			WorkDir:        getEnv("COMPILER_WORKDIR", "./data/workspaces"),
			DepsDir:        getEnv("COMPILER_DEPS_DIR", "./data/deps"),
			TimeoutSeconds: getEnvInt("COMPILER_TIMEOUT", 120),
			MemoryBytes:    int64(getEnvInt("COMPILER_MEMORY_MB", 2048)) * 1024 * 1024,
			CPUs:           getEnvFloat("COMPILER_CPUS", 1.0),
			Workers:        getEnvInt("COMPILER_WORKERS", 2),
		},
		Indexer: IndexerConfig{
			URL:            getEnv("INDEXER_URL", "http://localhost:8091"),
			TimeoutSeconds: getEnvInt("INDEXER_TIMEOUT", 10),
			Retries:        getEnvInt("INDEXER_RETRIES", 3),
		},
		Publisher: PublisherConfig{
			WebhookURL:     getEnv("PUBLISHER_WEBHOOK_URL", ""),
			TimeoutSeconds: getEnvInt("PUBLISHER_TIMEOUT", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getEnvBool("RATE_LIMIT_ENABLED", true),
			RequestsPerMin: getEnvInt("RATE_LIMIT_RPM", 300),
			BurstSize:      getEnvInt("RATE_LIMIT_BURST", 50),
			CleanupMinutes: getEnvInt("RATE_LIMIT_CLEANUP_MINUTES", 10),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
	}

	// If DATABASE_URL is set, default to postgres
	if cfg.Storage.Postgres.URL != "" && cfg.Storage.Type == "sqlite" {
		cfg.Storage.Type = "postgres"
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}
