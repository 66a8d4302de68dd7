package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables. Command line flags override these
// when set.
type Config struct {
	HubEndpoint string `envconfig:"HF_ENDPOINT" default:"https://huggingface.co"`
	HubToken    string `envconfig:"HF_TOKEN"`

	CacheDir    string `envconfig:"HUBFETCH_CACHE_DIR"`
	PreparedDir string `envconfig:"HUBFETCH_PREPARED_DIR"`
	ReportDir   string `envconfig:"HUBFETCH_REPORT_DIR" default:"."`

	MaxRetries    int           `envconfig:"HUBFETCH_MAX_RETRIES" default:"5"`
	BaseBackoff   time.Duration `envconfig:"HUBFETCH_BASE_BACKOFF" default:"1s"`
	BackoffFactor float64       `envconfig:"HUBFETCH_BACKOFF_FACTOR" default:"2.0"`
	MaxBackoff    time.Duration `envconfig:"HUBFETCH_MAX_BACKOFF" default:"5m"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath   string `envconfig:"HUBFETCH_DB_PATH"`

	Metrics struct {
		Enabled     bool   `split_words:"true" default:"false"`
		BindAddress string `split_words:"true" default:"0.0.0.0:9090"`
	} `envconfig:"HUBFETCH_METRICS"`
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.CacheDir == "" {
		cfg.CacheDir = defaultCacheDir()
	}

	if cfg.PreparedDir == "" {
		cfg.PreparedDir = filepath.Join(filepath.Dir(cfg.CacheDir), "prepared")
	}

	return &cfg, nil
}

// defaultCacheDir mirrors the hub convention of a per-user cache under
// XDG_CACHE_HOME, falling back to ~/.cache.
func defaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = ".cache"
	}

	return filepath.Join(base, "hubfetch", "hub")
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
