package main

import (
	"os"
	"strconv"
	"time"
)

type appConfig struct {
	HTTPAddr       string
	GRPCAddr       string
	PostgresDSN    string
	RedisAddr      string
	NATSURL        string
	LogLevel       string
	SeedFile       string
	SweepInterval  time.Duration
	SweepBatch     int
	MaxRetries     int
	OutboxPoll     time.Duration
	OutboxBatch    int
	OutboxRetry    int
	IngestRate     float64
	IngestBurst    float64
	AdminJWTSecret string
	IdempotencyTTL time.Duration
	IdempotencyMax int
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:       getenv("GRPC_ADDR", ":9090"),
		PostgresDSN:    firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		NATSURL:        os.Getenv("NATS_URL"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		SeedFile:       os.Getenv("SEED_FILE"),
		SweepInterval:  parseDurationEnv("SWEEP_INTERVAL", 5*time.Minute),
		SweepBatch:     parseIntEnv("SWEEP_BATCH", 500),
		MaxRetries:     parseIntEnv("RECONCILE_MAX_RETRIES", 3),
		OutboxPoll:     time.Duration(parseIntEnv("OUTBOX_POLL_MS", 200)) * time.Millisecond,
		OutboxBatch:    parseIntEnv("OUTBOX_BATCH", 100),
		OutboxRetry:    parseIntEnv("OUTBOX_RETRY_MAX", 3),
		IngestRate:     parseFloatEnv("RATE_INGEST_RPS", 2),
		IngestBurst:    parseFloatEnv("RATE_INGEST_BURST", 10),
		AdminJWTSecret: os.Getenv("ADMIN_JWT_SECRET"),
		IdempotencyTTL: parseDurationEnv("IDEMPOTENCY_TTL", 10*time.Minute),
		IdempotencyMax: parseIntEnv("IDEMPOTENCY_MAX_KEYS", 10000),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// parseDurationEnv accepts Go durations ("90s") or plain seconds.
func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
