package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	OutputDir     string `envconfig:"OUTPUT_DIR" required:"true"`
	CatalogDBPath string `envconfig:"CATALOG_DB_PATH" default:"catalog.db"`

	MaxParallel        int           `envconfig:"MAX_PARALLEL" default:"6"`
	FetchTimeout       time.Duration `envconfig:"FETCH_TIMEOUT" default:"30s"`
	FetchRetryAttempts int           `envconfig:"FETCH_RETRY_ATTEMPTS" default:"3"`
	FetchRetryBackoff  time.Duration `envconfig:"FETCH_RETRY_BACKOFF" default:"500ms"`
	FetchMaxBackoff    time.Duration `envconfig:"FETCH_MAX_BACKOFF" default:"10s"`
	MaxImageSize       int64         `envconfig:"MAX_IMAGE_SIZE" default:"20971520"`
	LedgerFlushEvery   int           `envconfig:"LEDGER_FLUSH_EVERY" default:"1"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"imagecache"`
		ServiceVersion string `split_words:"true" default:"dev"`
		OTLPEndpoint   string `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

// ImageRoot is the directory holding the hashed image trees.
func (c *Config) ImageRoot() string {
	return filepath.Join(c.OutputDir, "images")
}

// LedgerPath is the location of the persisted download status file.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.OutputDir, "download_status.json")
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
