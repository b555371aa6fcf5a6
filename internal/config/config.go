package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppConfig carries everything both client binaries need. Values come
// from environment variables with an optional YAML overlay file
// (SYNCBOARD_CONFIG); the environment wins over the file.
type AppConfig struct {
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	// PostgREST-style gateway; used instead of DatabaseURL when set.
	RESTBaseURL string `yaml:"rest_base_url"`
	RESTAPIKey  string `yaml:"rest_api_key"`

	// Websocket realtime gateway; used instead of Redis pub/sub when set.
	RealtimeWSURL string `yaml:"realtime_ws_url"`

	CanvasID           int64 `yaml:"canvas_id"`
	CanvasSaveDebounce int   `yaml:"canvas_save_debounce_ms"`
	GameTimeMs         int64 `yaml:"game_time_ms"`

	DataDir string `yaml:"data_dir"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

func defaults() *AppConfig {
	return &AppConfig{
		CanvasID:           1,
		CanvasSaveDebounce: 300,
		GameTimeMs:         600_000,
		LogLevel:           "info",
		LogFormat:          "console",
	}
}

// Load builds the configuration. The only hard requirement is some way
// to reach a store: DATABASE_URL or REST_BASE_URL. Everything else
// degrades (no REDIS_URL and no REALTIME_WS_URL means no live updates).
func Load() (*AppConfig, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("SYNCBOARD_CONFIG")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.DatabaseURL = envOr("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = envOr("REDIS_URL", cfg.RedisURL)
	cfg.RESTBaseURL = envOr("REST_BASE_URL", cfg.RESTBaseURL)
	cfg.RESTAPIKey = envOr("REST_API_KEY", cfg.RESTAPIKey)
	cfg.RealtimeWSURL = envOr("REALTIME_WS_URL", cfg.RealtimeWSURL)
	cfg.DataDir = envOr("DATA_DIR", cfg.DataDir)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("LOG_FORMAT", cfg.LogFormat)
	cfg.LogFile = envOr("LOG_FILE", cfg.LogFile)

	if v := strings.TrimSpace(os.Getenv("CANVAS_ID")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid CANVAS_ID %q", v)
		}
		cfg.CanvasID = n
	}
	if v := strings.TrimSpace(os.Getenv("CANVAS_SAVE_DEBOUNCE_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CanvasSaveDebounce = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("GAME_TIME_MS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.GameTimeMs = n
		}
	}

	if cfg.DataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = "."
		}
		cfg.DataDir = filepath.Join(base, "syncboard")
	}

	if cfg.DatabaseURL == "" && cfg.RESTBaseURL == "" {
		return nil, errors.New("DATABASE_URL or REST_BASE_URL is required")
	}
	return cfg, nil
}

func (c *AppConfig) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
