// Package config reads server settings from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config holds every server setting.
type Config struct {
	HTTPPort string
	GRPCPort string
	LogLevel string

	PostgresDSN   string
	ClickHouseDSN string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	WebhookSecret string
	AdminToken    string // empty disables /api admin routes

	IdempotencyBucket time.Duration
	AuthCacheTTL      time.Duration
	ToolCacheTTL      time.Duration
	WebhookRPS        float64

	RulesFile   string
	ToolsFile   string
	AutoMigrate bool
}

// ErrMissingWebhookSecret is returned when RUNGUARD_WEBHOOK_SECRET is unset.
var ErrMissingWebhookSecret = errors.New("RUNGUARD_WEBHOOK_SECRET is required")

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through getenv.
func LoadFrom(getenv func(string) string) (Config, error) {
	e := env(getenv)
	cfg := Config{
		HTTPPort: e.orDefault("RUNGUARD_HTTP_PORT", "8080"),
		GRPCPort: e.orDefault("RUNGUARD_GRPC_PORT", "50061"),
		LogLevel: e.orDefault("RUNGUARD_LOG_LEVEL", "info"),

		PostgresDSN:   getenv("POSTGRES_DSN"),
		ClickHouseDSN: getenv("CLICKHOUSE_DSN"),
		RedisAddr:     getenv("REDIS_ADDR"),
		RedisPassword: getenv("REDIS_PASSWORD"),
		RedisDB:       e.orDefaultInt("REDIS_DB", 0),

		WebhookSecret: getenv("RUNGUARD_WEBHOOK_SECRET"),
		AdminToken:    getenv("RUNGUARD_ADMIN_TOKEN"),

		IdempotencyBucket: e.seconds("RUNGUARD_IDEMPOTENCY_BUCKET_S", 60),
		AuthCacheTTL:      e.seconds("RUNGUARD_AUTH_CACHE_TTL_S", 30),
		ToolCacheTTL:      e.seconds("RUNGUARD_TOOL_CACHE_TTL_S", 60),
		WebhookRPS:        e.orDefaultFloat("RUNGUARD_WEBHOOK_RPS", 50),

		RulesFile:   getenv("RUNGUARD_RULES_FILE"),
		ToolsFile:   getenv("RUNGUARD_TOOLS_FILE"),
		AutoMigrate: e.orDefaultBool("RUNGUARD_AUTO_MIGRATE", false),
	}
	if cfg.WebhookSecret == "" {
		return cfg, ErrMissingWebhookSecret
	}
	return cfg, nil
}

type env func(string) string

func (e env) orDefault(key, defaultVal string) string {
	if v := e(key); v != "" {
		return v
	}
	return defaultVal
}

func (e env) orDefaultInt(key string, defaultVal int) int {
	if v := e(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func (e env) orDefaultFloat(key string, defaultVal float64) float64 {
	if v := e(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return defaultVal
}

func (e env) orDefaultBool(key string, defaultVal bool) bool {
	if v := e(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func (e env) seconds(key string, defaultVal int) time.Duration {
	s := e.orDefaultInt(key, defaultVal)
	if s <= 0 {
		s = defaultVal
	}
	return time.Duration(s) * time.Second
}
