// Package config assembles process-level configuration from the environment
// so main stays lean. Privacy engine parameters live in
// internal/privacy/config; this package covers the surrounding process.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process-level configuration.
type Server struct {
	Addr            string
	PostgresDSN     string
	Redis           RedisConfig
	KafkaBrokers    []string
	AuditTopic      string
	JWTSigningKey   string
	JWTIssuer       string
	JWTAudience     string
	CleanupInterval time.Duration
	ShutdownTimeout time.Duration
	RateLimit       int
	RateWindow      time.Duration
}

// RedisConfig carries Redis client settings. An empty URL disables Redis and
// the process falls back to in-memory caching.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromEnv builds a Server config from environment variables.
func FromEnv() Server {
	cfg := Server{
		Addr:            envOr("CIVICPULSE_ADDR", ":8080"),
		PostgresDSN:     os.Getenv("CIVICPULSE_POSTGRES_DSN"),
		JWTSigningKey:   envOr("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		JWTIssuer:       envOr("JWT_ISSUER", "civicpulse"),
		JWTAudience:     envOr("JWT_AUDIENCE", "civicpulse-privacy"),
		AuditTopic:      os.Getenv("CIVICPULSE_AUDIT_TOPIC"),
		CleanupInterval: durationOr("CIVICPULSE_CLEANUP_INTERVAL", time.Hour),
		ShutdownTimeout: durationOr("CIVICPULSE_SHUTDOWN_TIMEOUT", 10*time.Second),
		RateLimit:       intOr("CIVICPULSE_RATE_LIMIT", 60),
		RateWindow:      durationOr("CIVICPULSE_RATE_WINDOW", time.Minute),
		Redis: RedisConfig{
			URL:          os.Getenv("CIVICPULSE_REDIS_URL"),
			PoolSize:     intOr("CIVICPULSE_REDIS_POOL_SIZE", 10),
			MinIdleConns: intOr("CIVICPULSE_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  durationOr("CIVICPULSE_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  durationOr("CIVICPULSE_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: durationOr("CIVICPULSE_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
	}
	if brokers := os.Getenv("CIVICPULSE_KAFKA_BROKERS"); brokers != "" {
		for _, broker := range strings.Split(brokers, ",") {
			if broker = strings.TrimSpace(broker); broker != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, broker)
			}
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func intOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
