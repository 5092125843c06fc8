// Package config loads the server configuration from environment
// variables and the function definitions from YAML.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	DBDriver string // "sqlite" or "postgres"
	DBPath   string // sqlite file
	DBURL    string // postgres dsn

	FunctionsFile string

	ArtifactBackend string // "file" or "s3"
	ArtifactDir     string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string

	Workers       int
	QueueDepth    int
	CacheCapacity int

	DefaultMemoryLimit int64
	LenientExit        bool

	RetentionMaxAge   time.Duration
	RetentionMaxCount int
	RetentionInterval time.Duration

	DeadLetterSink string // "sqlite" or "redis"
	DeadLetterPath string
	RedisAddr      string

	RateLimitRPS   float64
	RateLimitBurst int

	OTLPEndpoint     string
	TelemetryEnabled bool
}

// Load reads configuration from environment variables, applying defaults
// suitable for a single-node development run.
func Load() *Config {
	return &Config{
		Port:     getenv("NEXUS_PORT", "8090"),
		LogLevel: getenv("NEXUS_LOG_LEVEL", "INFO"),

		DBDriver: getenv("NEXUS_DB_DRIVER", "sqlite"),
		DBPath:   getenv("NEXUS_DB_PATH", "./nexus-events.db"),
		DBURL:    getenv("NEXUS_DB_URL", "postgres://nexus@localhost:5432/nexus?sslmode=disable"),

		FunctionsFile: getenv("NEXUS_FUNCTIONS_FILE", "./nexus.yaml"),

		ArtifactBackend: getenv("NEXUS_ARTIFACT_BACKEND", "file"),
		ArtifactDir:     getenv("NEXUS_ARTIFACT_DIR", "./artifacts"),
		S3Bucket:        os.Getenv("NEXUS_S3_BUCKET"),
		S3Region:        getenv("NEXUS_S3_REGION", "us-east-1"),
		S3Endpoint:      os.Getenv("NEXUS_S3_ENDPOINT"),

		Workers:       getenvInt("NEXUS_WORKERS", 4),
		QueueDepth:    getenvInt("NEXUS_QUEUE_DEPTH", 256),
		CacheCapacity: getenvInt("NEXUS_CACHE_CAPACITY", 64),

		DefaultMemoryLimit: int64(getenvInt("NEXUS_DEFAULT_MEMORY_MB", 128)) * 1024 * 1024,
		LenientExit:        os.Getenv("NEXUS_EXIT_POLICY") == "lenient",

		RetentionMaxAge:   getenvDuration("NEXUS_RETENTION_MAX_AGE", 0),
		RetentionMaxCount: getenvInt("NEXUS_RETENTION_MAX_COUNT", 0),
		RetentionInterval: getenvDuration("NEXUS_RETENTION_INTERVAL", time.Minute),

		DeadLetterSink: getenv("NEXUS_DEADLETTER_SINK", "sqlite"),
		DeadLetterPath: getenv("NEXUS_DEADLETTER_PATH", "./nexus-deadletters.db"),
		RedisAddr:      getenv("NEXUS_REDIS_ADDR", "localhost:6379"),

		RateLimitRPS:   getenvFloat("NEXUS_RATE_LIMIT_RPS", 50),
		RateLimitBurst: getenvInt("NEXUS_RATE_LIMIT_BURST", 100),

		OTLPEndpoint:     getenv("NEXUS_OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("NEXUS_TELEMETRY") == "true",
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
