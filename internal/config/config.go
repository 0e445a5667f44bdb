// Package config holds the environment-level configuration consumed by the
// bridge. The core never reads the environment directly; everything flows
// through a Config constructed once at process start.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Config is the resolved runtime configuration.
type Config struct {
	// Listen address for the inbound Anthropic-compatible API.
	ListenAddr string

	// BaseURLOverride replaces the default upstream endpoint list head.
	BaseURLOverride string

	// DisableFallback turns off endpoint rotation entirely.
	DisableFallback bool

	// MaxEndpointFallbacks bounds endpoint rotation per request.
	MaxEndpointFallbacks int

	// ModelUnavailableCooldown is applied on 429 "model unavailable" text.
	ModelUnavailableCooldown time.Duration

	// ModelCapacityCooldown is the floor applied after a capacity retry fails.
	ModelCapacityCooldown time.Duration

	// FirstByteTimeout aborts a stream whose handshake succeeded but which
	// never delivered a single byte.
	FirstByteTimeout time.Duration

	// StreamIdleTimeout aborts a stream with no activity (zombie stream).
	StreamIdleTimeout time.Duration

	// TextToolFallback enables the inline-tag tool-call micro-protocol.
	TextToolFallback bool

	// ToolErrorContinue synthesizes error tool results for dangling calls.
	ToolErrorContinue bool

	// CooldownDBPath is the sqlite file backing cooldown persistence.
	// Empty keeps cooldowns in memory only.
	CooldownDBPath string

	LogLevel string
}

// Load reads .env (if present) and the environment, applying defaults.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Debug("no .env file loaded")
	}

	return &Config{
		ListenAddr:               getEnv("LISTEN_ADDR", ":3000"),
		BaseURLOverride:          getEnv("ANTIGRAVITY_BASE_URL", ""),
		DisableFallback:          getBool("ANTIGRAVITY_DISABLE_FALLBACK", false),
		MaxEndpointFallbacks:     getInt("ANTIGRAVITY_MAX_FALLBACKS", 1),
		ModelUnavailableCooldown: getDuration("MODEL_UNAVAILABLE_COOLDOWN", 5*time.Minute),
		ModelCapacityCooldown:    getDuration("MODEL_CAPACITY_COOLDOWN", 60*time.Second),
		FirstByteTimeout:         getDuration("STREAM_FIRST_BYTE_TIMEOUT", 15*time.Second),
		StreamIdleTimeout:        getDuration("STREAM_IDLE_TIMEOUT", 45*time.Second),
		TextToolFallback:         getBool("TEXT_TOOL_FALLBACK", true),
		ToolErrorContinue:        getBool("TOOL_ERROR_CONTINUE", true),
		CooldownDBPath:           getEnv("COOLDOWN_DB_PATH", ""),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warnf("config: invalid bool for %s: %q", key, v)
		return def
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("config: invalid int for %s: %q", key, v)
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	// Accept both Go duration strings and plain seconds.
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Warnf("config: invalid duration for %s: %q", key, v)
	return def
}
