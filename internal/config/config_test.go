package config

import (
	"os"
	"path/filepath"
	"testing"
)

// clearEnv blanks every variable Load reads so host state cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SYNCBOARD_CONFIG", "DATABASE_URL", "REDIS_URL",
		"REST_BASE_URL", "REST_API_KEY", "REALTIME_WS_URL",
		"CANVAS_ID", "CANVAS_SAVE_DEBOUNCE_MS", "GAME_TIME_MS",
		"DATA_DIR", "LOG_LEVEL", "LOG_FORMAT", "LOG_FILE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/syncboard")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CanvasID != 1 || cfg.CanvasSaveDebounce != 300 || cfg.GameTimeMs != 600_000 {
		t.Fatalf("defaults %+v", cfg)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "console" {
		t.Fatalf("log defaults %q %q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.DataDir == "" {
		t.Fatalf("empty data dir")
	}
}

func TestLoadRequiresStore(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); err == nil {
		t.Fatalf("store-less config accepted")
	}

	t.Setenv("REST_BASE_URL", "https://api.example.dev/rest/v1")
	if _, err := Load(); err != nil {
		t.Fatalf("REST_BASE_URL alone should satisfy Load: %v", err)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
database_url: postgres://file-host/db
redis_url: redis://file-host:6379/0
canvas_save_debounce_ms: 500
log_level: debug
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SYNCBOARD_CONFIG", path)
	t.Setenv("REDIS_URL", "redis://env-host:6379/0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://file-host/db" {
		t.Fatalf("file value lost: %q", cfg.DatabaseURL)
	}
	if cfg.RedisURL != "redis://env-host:6379/0" {
		t.Fatalf("environment did not win: %q", cfg.RedisURL)
	}
	if cfg.CanvasSaveDebounce != 500 || cfg.LogLevel != "debug" {
		t.Fatalf("file overlay incomplete: %+v", cfg)
	}
}

func TestLoadNumericEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/syncboard")
	t.Setenv("CANVAS_ID", "7")
	t.Setenv("GAME_TIME_MS", "300000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CanvasID != 7 || cfg.GameTimeMs != 300_000 {
		t.Fatalf("numeric env ignored: %+v", cfg)
	}

	t.Setenv("CANVAS_ID", "zero")
	if _, err := Load(); err == nil {
		t.Fatalf("bad CANVAS_ID accepted")
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/syncboard")
	t.Setenv("SYNCBOARD_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("missing config file accepted")
	}
}
