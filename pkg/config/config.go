// Package config loads process settings from the environment and the
// pipeline definition from YAML.
package config

import (
	"log/slog"
	"os"
	"strings"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string // empty selects lite mode (SQLite under DataDir)
	DataDir     string
	RedisAddr   string // enables distributed rate limits when set

	// PipelineConfig is the path of the pipeline YAML file.
	PipelineConfig string

	OTelEnabled  bool
	OTLPEndpoint string

	NotifyWebhookURL string
	NotifySigningKey string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:             getenv("PORT", "8080"),
		LogLevel:         getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DataDir:          getenv("DATA_DIR", "data"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		PipelineConfig:   getenv("PIPELINE_CONFIG", "pipeline.yaml"),
		OTelEnabled:      os.Getenv("OTEL_ENABLED") == "true",
		OTLPEndpoint:     getenv("OTLP_ENDPOINT", "localhost:4317"),
		NotifyWebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifySigningKey: os.Getenv("NOTIFY_SIGNING_KEY"),
	}
}

// SlogLevel maps LogLevel to a slog level; unknown values mean INFO.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LiteMode reports whether no external database is configured.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
