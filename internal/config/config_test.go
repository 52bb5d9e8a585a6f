package config

import (
	"strings"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.RateLimitRPS != 50 {
		t.Errorf("expected default rate limit 50, got %d", cfg.Server.RateLimitRPS)
	}
	if cfg.Dispatch.Workers != 2 {
		t.Errorf("expected default 2 dispatch workers, got %d", cfg.Dispatch.Workers)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RATE_LIMIT_RPS", "200")
	t.Setenv("DISPATCH_WORKERS", "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.RateLimitRPS != 200 {
		t.Errorf("expected rate limit 200, got %d", cfg.Server.RateLimitRPS)
	}
	if cfg.Dispatch.Workers != 8 {
		t.Errorf("expected 8 dispatch workers, got %d", cfg.Dispatch.Workers)
	}
}

func TestLoad_RejectsZeroRateLimit(t *testing.T) {
	t.Setenv("RATE_LIMIT_RPS", "0")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "rate limit") {
		t.Errorf("expected rate limit validation error, got %v", err)
	}
}
