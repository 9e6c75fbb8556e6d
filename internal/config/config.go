// Package config loads the worker pool's process configuration from
// environment variables (and an optional .env file).
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/MorrisSimons/podcast-transcriber/internal/errs"
)

// Config holds every environment-driven value the supervisor, scheduler,
// and adapters need. Load validates the values adapters cannot run
// without.
type Config struct {
	// Object store (A)
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Prefix    string

	// Queue / broker (B)
	RedisURL       string
	RedisTLSCAFile string
	Stream         string
	Group          string

	// Local cache (C)
	CacheDir string

	// Model runner (D)
	ASREngineCmd string
	ComputeType  string
	Language     string

	// Scheduler (F)
	GPUBatchSize       int
	DownloadWorkers    int
	PrefetchMultiplier int

	// Recovery (H)
	RecoveryEnabled bool
	ReclaimIdle     time.Duration
	ReclaimPeriod   time.Duration
	MaxDeliveries   int

	// Lock / dedup TTLs (shared by queue)
	LockTTL  time.Duration
	DedupTTL time.Duration

	// Supervisor (I)
	HealthAddr   string
	DrainTimeout time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables and .env file,
// returning a *errs.ConfigError for the first missing required variable.
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := &Config{
		S3Endpoint:  getEnv("S3_ENDPOINT_URL", ""),
		S3Region:    getEnv("S3_REGION", ""),
		S3Bucket:    getEnv("S3_BUCKET", ""),
		S3AccessKey: getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3Prefix:    getEnv("S3_PREFIX", ""),

		RedisURL:       getEnv("REDIS_URL", ""),
		RedisTLSCAFile: getEnv("REDIS_TLS_CA_FILE", ""),
		Stream:         getEnv("REDIS_STREAM", "podcast:queue"),
		Group:          getEnv("REDIS_GROUP", "workers"),

		CacheDir: getEnv("CACHE_DIR", "/cache"),

		ASREngineCmd: getEnv("ASR_ENGINE_CMD", "faster-whisper-server"),
		ComputeType:  getEnv("COMPUTE_TYPE", "float16"),
		Language:     getEnv("LANGUAGE", "sv"),

		GPUBatchSize:       getEnvAsInt("GPU_BATCH_SIZE", 16),
		DownloadWorkers:    getEnvAsInt("DOWNLOAD_WORKERS", 4),
		PrefetchMultiplier: getEnvAsInt("PREFETCH_MULTIPLIER", 2),

		RecoveryEnabled: getEnvAsBool("RECOVERY_ENABLED", true),
		ReclaimIdle:     time.Duration(getEnvAsInt("RECLAIM_IDLE_MS", 7_200_000)) * time.Millisecond,
		ReclaimPeriod:   time.Duration(getEnvAsInt("RECLAIM_PERIOD_SEC", 300)) * time.Second,
		MaxDeliveries:   getEnvAsInt("MAX_DELIVERIES", 5),

		LockTTL:  time.Duration(getEnvAsInt("LOCK_TTL_SEC", 21_600)) * time.Second,
		DedupTTL: time.Duration(getEnvAsInt("DEDUP_TTL_SEC", 86_400)) * time.Second,

		HealthAddr:   getEnv("HEALTH_ADDR", ":8081"),
		DrainTimeout: time.Duration(getEnvAsInt("DRAIN_TIMEOUT_SEC", 60)) * time.Second,

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	for _, req := range []struct {
		name  string
		value string
	}{
		{"S3_BUCKET", cfg.S3Bucket},
		{"REDIS_URL", cfg.RedisURL},
	} {
		if req.value == "" {
			return nil, &errs.ConfigError{Var: req.name}
		}
	}

	if cfg.MaxDeliveries < 5 {
		return nil, &errs.ConfigError{Var: "MAX_DELIVERIES", Err: fmt.Errorf("must be >= 5, got %d", cfg.MaxDeliveries)}
	}

	return cfg, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as int with a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets an environment variable as bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
