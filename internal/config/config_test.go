package config

import (
	"errors"
	"testing"
	"time"
)

func mapEnv(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(mapEnv(map[string]string{"RUNGUARD_WEBHOOK_SECRET": "s3cret"}))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.HTTPPort != "8080" || cfg.GRPCPort != "50061" || cfg.LogLevel != "info" {
		t.Errorf("unexpected ports/level: %+v", cfg)
	}
	if cfg.IdempotencyBucket != 60*time.Second {
		t.Errorf("bucket = %v", cfg.IdempotencyBucket)
	}
	if cfg.AuthCacheTTL != 30*time.Second || cfg.ToolCacheTTL != 60*time.Second {
		t.Errorf("cache TTLs = %v, %v", cfg.AuthCacheTTL, cfg.ToolCacheTTL)
	}
	if cfg.WebhookRPS != 50 {
		t.Errorf("webhook rps = %v", cfg.WebhookRPS)
	}
	if cfg.AutoMigrate {
		t.Error("auto migrate should default to false")
	}
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := LoadFrom(mapEnv(map[string]string{
		"RUNGUARD_WEBHOOK_SECRET":       "s3cret",
		"RUNGUARD_HTTP_PORT":            "9090",
		"REDIS_ADDR":                    "localhost:6379",
		"REDIS_DB":                      "3",
		"RUNGUARD_IDEMPOTENCY_BUCKET_S": "300",
		"RUNGUARD_WEBHOOK_RPS":          "2.5",
		"RUNGUARD_AUTO_MIGRATE":         "true",
		"RUNGUARD_RULES_FILE":           "/etc/runguard/rules.yaml",
	}))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.HTTPPort != "9090" || cfg.RedisAddr != "localhost:6379" || cfg.RedisDB != 3 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.IdempotencyBucket != 5*time.Minute {
		t.Errorf("bucket = %v", cfg.IdempotencyBucket)
	}
	if cfg.WebhookRPS != 2.5 || !cfg.AutoMigrate || cfg.RulesFile != "/etc/runguard/rules.yaml" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestLoadFrom_BadValuesFallBack(t *testing.T) {
	cfg, err := LoadFrom(mapEnv(map[string]string{
		"RUNGUARD_WEBHOOK_SECRET":       "s3cret",
		"RUNGUARD_IDEMPOTENCY_BUCKET_S": "-5",
		"RUNGUARD_AUTH_CACHE_TTL_S":     "soon",
		"RUNGUARD_WEBHOOK_RPS":          "0",
		"RUNGUARD_AUTO_MIGRATE":         "maybe",
	}))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.IdempotencyBucket != time.Minute || cfg.AuthCacheTTL != 30*time.Second {
		t.Errorf("durations did not fall back: %v, %v", cfg.IdempotencyBucket, cfg.AuthCacheTTL)
	}
	if cfg.WebhookRPS != 50 || cfg.AutoMigrate {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestLoadFrom_MissingWebhookSecret(t *testing.T) {
	_, err := LoadFrom(mapEnv(nil))
	if !errors.Is(err, ErrMissingWebhookSecret) {
		t.Errorf("expected ErrMissingWebhookSecret, got %v", err)
	}
}
