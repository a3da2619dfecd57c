package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "shadow.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "SHADOW_PORT")
	setString(&cfg.Server.CORSOrigin, "SHADOW_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "SHADOW_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "SHADOW_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "SHADOW_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "SHADOW_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "SHADOW_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Bucket, "SHADOW_ARCHIVE_BUCKET")
	setString(&cfg.Logging.Level, "SHADOW_LOG_LEVEL")
	setString(&cfg.Logging.Service, "SHADOW_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "SHADOW_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "SHADOW_BREAKER_TIMEOUT")
	setString(&cfg.Sandbox.Image, "SHADOW_SANDBOX_IMAGE")
	setString(&cfg.Sandbox.Workspace, "SHADOW_SANDBOX_WORKSPACE")
	setString(&cfg.Sandbox.WorkspacesDir, "SHADOW_SANDBOX_WORKSPACES_DIR")
	setInt(&cfg.Sandbox.MemoryMB, "SHADOW_SANDBOX_MEMORY_MB")
	setInt(&cfg.Sandbox.CPUQuota, "SHADOW_SANDBOX_CPU_QUOTA")
	setInt(&cfg.Sandbox.PidsLimit, "SHADOW_SANDBOX_PIDS_LIMIT")
	setString(&cfg.Sandbox.AgentCmd, "SHADOW_AGENT_CMD")
	setDuration(&cfg.Session.TurnTimeout, "SHADOW_TURN_TIMEOUT")
	setDuration(&cfg.Session.PollInterval, "SHADOW_POLL_INTERVAL")
	setDuration(&cfg.Watcher.Debounce, "SHADOW_WATCHER_DEBOUNCE")
	setDuration(&cfg.Watcher.SettleDelay, "SHADOW_WATCHER_SETTLE_DELAY")
	setInt(&cfg.Archive.MaxConcurrent, "SHADOW_ARCHIVE_MAX_CONCURRENT")
	setInt64(&cfg.Cache.MaxBytes, "SHADOW_CACHE_MAX_BYTES")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Session.TurnTimeout <= 0 {
		return errors.New("session.turn_timeout must be positive")
	}
	if cfg.Session.PollInterval <= 0 {
		return errors.New("session.poll_interval must be positive")
	}
	if cfg.Archive.MaxConcurrent < 1 {
		return errors.New("archive.max_concurrent must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
