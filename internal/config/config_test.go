package config

import (
	"testing"
	"time"
)

func TestLoadDefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("DATABASE_URL", ":memory:")
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scheduler.SlotDurationMinutes != 60 {
		t.Fatalf("default slot duration 60, got %d", cfg.Scheduler.SlotDurationMinutes)
	}
	if cfg.Scheduler.GateResolveMinute != 55 {
		t.Fatalf("default gate resolve minute 55, got %d", cfg.Scheduler.GateResolveMinute)
	}
	if cfg.Tokens.ExpireHours != 24 {
		t.Fatalf("default token expiry 24h, got %d", cfg.Tokens.ExpireHours)
	}

	t.Setenv("SLOT_DURATION_MINUTES", "30")
	t.Setenv("GATE_RESOLVE_MINUTE", "25")
	cfg, err = Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scheduler.SlotDurationMinutes != 30 {
		t.Fatalf("env must override default, got %d", cfg.Scheduler.SlotDurationMinutes)
	}
	if cfg.Scheduler.SlotDuration() != 30*time.Minute {
		t.Fatalf("slot duration conversion, got %v", cfg.Scheduler.SlotDuration())
	}
	if cfg.Scheduler.GateResolveMargin() != 5*time.Minute {
		t.Fatalf("resolve margin, got %v", cfg.Scheduler.GateResolveMargin())
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "test-secret")
	if _, err := Load(); err == nil {
		t.Fatal("missing DATABASE_URL must fail validation")
	}
}

func TestLoadRejectsBadResolveMinute(t *testing.T) {
	t.Setenv("DATABASE_URL", ":memory:")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("SLOT_DURATION_MINUTES", "60")
	t.Setenv("GATE_RESOLVE_MINUTE", "60")
	if _, err := Load(); err == nil {
		t.Fatal("resolve minute at the slot boundary must fail validation")
	}
}
