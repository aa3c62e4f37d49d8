// Package config validates and exposes process-wide configuration. Every
// value here is read once at startup and never hot-reloaded (spec.md §9,
// "Global configuration").
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/planningpoker/core/internal/v1/domain"
)

// Config holds validated environment configuration for the core.
type Config struct {
	// Required
	JWTSecret string
	Port      string

	// Redis / event bus
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Postgres / state store
	DatabaseURL string

	GoEnv    string
	LogLevel string

	Auth0Domain   string
	Auth0Audience string
	SkipAuth      bool
	DevMode       bool

	AllowedOrigins []string

	// Limits (spec.md §5, §9)
	RoomCapacity       int
	FreeTierCapacity   int
	MessageRateLimit   string // ulule/limiter formatted rate, e.g. "100-M"
	ChatRateLimit      string // e.g. "10-30S"
	JoinDeadline       time.Duration
	HeartbeatTimeout   time.Duration
	GracePeriod        time.Duration
	IdleRoomUnload     time.Duration
	ShutdownDrain      time.Duration
	ReplayWindow       time.Duration
	ReplayMaxEvents    int
	DedupWindow        time.Duration
	DedupCacheCapacity int

	Decks map[string][]domain.CardValue
}

// Load validates all required environment variables and returns a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number (got '%s')", cfg.Port))
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
		if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	originsStr := os.Getenv("ALLOWED_ORIGINS")
	if originsStr == "" {
		cfg.AllowedOrigins = []string{"http://localhost:3000"}
		slog.Warn("ALLOWED_ORIGINS not set, using default development origins", "origins", cfg.AllowedOrigins)
	} else {
		cfg.AllowedOrigins = strings.Split(originsStr, ",")
	}

	cfg.RoomCapacity = getEnvIntOrDefault("ROOM_CAPACITY", 1000)
	cfg.FreeTierCapacity = getEnvIntOrDefault("FREE_TIER_ROOM_CAPACITY", 25)
	cfg.MessageRateLimit = getEnvOrDefault("RATE_LIMIT_WS_MESSAGES", "100-M")
	cfg.ChatRateLimit = getEnvOrDefault("RATE_LIMIT_WS_CHAT", "10-30S")

	cfg.JoinDeadline = getEnvDurationOrDefault("JOIN_DEADLINE", 10*time.Second)
	cfg.HeartbeatTimeout = getEnvDurationOrDefault("HEARTBEAT_TIMEOUT", 60*time.Second)
	cfg.GracePeriod = getEnvDurationOrDefault("GRACE_PERIOD", 5*time.Minute)
	cfg.IdleRoomUnload = getEnvDurationOrDefault("IDLE_ROOM_UNLOAD", 60*time.Second)
	cfg.ShutdownDrain = getEnvDurationOrDefault("SHUTDOWN_DRAIN", 30*time.Second)
	cfg.ReplayWindow = getEnvDurationOrDefault("REPLAY_WINDOW", 5*time.Minute)
	cfg.ReplayMaxEvents = getEnvIntOrDefault("REPLAY_MAX_EVENTS", 1024)
	cfg.DedupWindow = getEnvDurationOrDefault("DEDUP_WINDOW", 60*time.Second)
	cfg.DedupCacheCapacity = getEnvIntOrDefault("DEDUP_CACHE_CAPACITY", 256)

	cfg.Decks = defaultDecks()

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func defaultDecks() map[string][]domain.CardValue {
	str := func(vs ...string) []domain.CardValue {
		out := make([]domain.CardValue, len(vs))
		for i, v := range vs {
			out[i] = domain.CardValue(v)
		}
		return out
	}
	return map[string][]domain.CardValue{
		"fibonacci":     str("0", "1", "2", "3", "5", "8", "13", "21", "?"),
		"t-shirt":       str("XS", "S", "M", "L", "XL", "?"),
		"powers-of-two": str("1", "2", "4", "8", "16", "32", "?"),
	}
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port > 0 && port <= 65535
}

func logValidatedConfig(cfg *Config) {
	slog.Info("configuration validated",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"room_capacity", cfg.RoomCapacity,
		"grace_period", cfg.GracePeriod,
	)
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}

func getEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDurationOrDefault(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
