package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Session.PollInterval != 300*time.Millisecond {
		t.Errorf("expected poll interval 300ms, got %v", cfg.Session.PollInterval)
	}
	if cfg.Watcher.Debounce != 100*time.Millisecond {
		t.Errorf("expected debounce 100ms, got %v", cfg.Watcher.Debounce)
	}
	if cfg.Breaker.Timeout != 30*time.Second {
		t.Errorf("expected breaker timeout 30s, got %v", cfg.Breaker.Timeout)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
sandbox:
  image: "custom-agent:dev"
session:
  turn_timeout: 5m
logging:
  level: "debug"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Sandbox.Image != "custom-agent:dev" {
		t.Errorf("expected custom image, got %s", cfg.Sandbox.Image)
	}
	if cfg.Session.TurnTimeout != 5*time.Minute {
		t.Errorf("expected turn timeout 5m, got %v", cfg.Session.TurnTimeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
}

func TestLoadYAMLMissingFile(t *testing.T) {
	cfg := Defaults()
	if err := loadYAML(&cfg, filepath.Join(t.TempDir(), "nope.yaml")); err != nil {
		t.Fatalf("missing file should not be an error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SHADOW_PORT", "7070")
	t.Setenv("SHADOW_TURN_TIMEOUT", "90s")
	t.Setenv("SHADOW_ARCHIVE_MAX_CONCURRENT", "8")

	cfg := Defaults()
	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Session.TurnTimeout != 90*time.Second {
		t.Errorf("expected turn timeout 90s, got %v", cfg.Session.TurnTimeout)
	}
	if cfg.Archive.MaxConcurrent != 8 {
		t.Errorf("expected max_concurrent 8, got %d", cfg.Archive.MaxConcurrent)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.Session.PollInterval = 0
	if err := validate(&cfg); err == nil {
		t.Fatal("expected validation error for zero poll interval")
	}

	cfg = Defaults()
	cfg.Postgres.DSN = ""
	if err := validate(&cfg); err == nil {
		t.Fatal("expected validation error for empty DSN")
	}
}
