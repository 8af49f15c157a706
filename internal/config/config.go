// Package config loads server configuration from the environment, with an
// optional .env file for development setups. Every knob has a REFLEX_*
// variable and a sensible default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the resolved server configuration.
type Config struct {
	ListenAddr  string // REFLEX_LISTEN
	MetricsAddr string // REFLEX_METRICS_LISTEN, empty disables

	LogLevel  string // REFLEX_LOG_LEVEL
	LogFormat string // REFLEX_LOG_FORMAT: auto, json, console

	DataDir  string // REFLEX_DATA_DIR, holds the sqlite database
	ServerID string // REFLEX_SERVER_ID

	RulesFile string // REFLEX_RULES_FILE, optional hot-reloaded rules

	MaxCascadeDepth int // REFLEX_MAX_CASCADE_DEPTH

	AuditMaxEntries    int           // REFLEX_AUDIT_MAX_ENTRIES
	AuditBatchSize     int           // REFLEX_AUDIT_BATCH_SIZE
	AuditFlushInterval time.Duration // REFLEX_AUDIT_FLUSH_INTERVAL
	AuditRetention     time.Duration // REFLEX_AUDIT_RETENTION, 0 keeps forever

	HeartbeatInterval time.Duration // REFLEX_SSE_HEARTBEAT

	WebhookMaxRetries     int           // REFLEX_WEBHOOK_MAX_RETRIES
	WebhookRetryBaseDelay time.Duration // REFLEX_WEBHOOK_RETRY_BASE
	WebhookTimeout        time.Duration // REFLEX_WEBHOOK_TIMEOUT

	TracingEnabled bool // REFLEX_TRACING
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	cfg := &Config{
		ListenAddr:  envStr("REFLEX_LISTEN", ":7070"),
		MetricsAddr: envStr("REFLEX_METRICS_LISTEN", ":9091"),

		LogLevel:  envStr("REFLEX_LOG_LEVEL", "info"),
		LogFormat: envStr("REFLEX_LOG_FORMAT", "auto"),

		DataDir:  envStr("REFLEX_DATA_DIR", "./data"),
		ServerID: envStr("REFLEX_SERVER_ID", hostnameOr("reflex")),

		RulesFile: envStr("REFLEX_RULES_FILE", ""),

		MaxCascadeDepth: envInt("REFLEX_MAX_CASCADE_DEPTH", 64),

		AuditMaxEntries:    envInt("REFLEX_AUDIT_MAX_ENTRIES", 50000),
		AuditBatchSize:     envInt("REFLEX_AUDIT_BATCH_SIZE", 100),
		AuditFlushInterval: envDur("REFLEX_AUDIT_FLUSH_INTERVAL", 5*time.Second),
		AuditRetention:     envDur("REFLEX_AUDIT_RETENTION", 0),

		HeartbeatInterval: envDur("REFLEX_SSE_HEARTBEAT", 30*time.Second),

		WebhookMaxRetries:     envInt("REFLEX_WEBHOOK_MAX_RETRIES", 3),
		WebhookRetryBaseDelay: envDur("REFLEX_WEBHOOK_RETRY_BASE", time.Second),
		WebhookTimeout:        envDur("REFLEX_WEBHOOK_TIMEOUT", 10*time.Second),

		TracingEnabled: envBool("REFLEX_TRACING", false),
	}

	if cfg.MaxCascadeDepth <= 0 {
		return nil, fmt.Errorf("REFLEX_MAX_CASCADE_DEPTH must be positive")
	}
	return cfg, nil
}

func hostnameOr(fallback string) string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return fallback
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Ignoring invalid integer setting")
		return fallback
	}
	return v
}

func envDur(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Ignoring invalid duration setting")
		return fallback
	}
	return v
}

func envBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Ignoring invalid boolean setting")
		return fallback
	}
	return v
}
