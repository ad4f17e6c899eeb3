package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Host != "localhost" {
		t.Errorf("Database.Host = %q, want localhost", cfg.Database.Host)
	}
	if cfg.Messaging.HighWaterMark != 5000 {
		t.Errorf("Messaging.HighWaterMark = %d, want 5000", cfg.Messaging.HighWaterMark)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TASKER_DATABASE_HOST", "db.internal")
	t.Setenv("TASKER_MESSAGING_HIGH_WATER_MARK", "9999")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("Database.Host = %q, want db.internal", cfg.Database.Host)
	}
	if cfg.Messaging.HighWaterMark != 9999 {
		t.Errorf("Messaging.HighWaterMark = %d, want 9999", cfg.Messaging.HighWaterMark)
	}
}

func TestLoadMissingConfigFileIsNotError(t *testing.T) {
	t.Setenv("TASKER_CONFIG_PATH", "/nonexistent/tasker.yaml")
	if _, err := os.Stat("/nonexistent/tasker.yaml"); err == nil {
		t.Skip("path unexpectedly exists")
	}
	if _, err := Load(); err != nil {
		t.Fatalf("Load() error = %v, want nil for missing optional file", err)
	}
}
