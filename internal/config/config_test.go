package config

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "https://huggingface.co", cfg.HubEndpoint)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.NotEmpty(t, cfg.CacheDir)
	assert.NotEmpty(t, cfg.PreparedDir)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("HUBFETCH_CACHE_DIR", "/data/hub")
	t.Setenv("HUBFETCH_MAX_RETRIES", "2")
	t.Setenv("HF_TOKEN", "hf_secret")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/data/hub", cfg.CacheDir)
	assert.Equal(t, "/data/prepared", cfg.PreparedDir)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, "hf_secret", cfg.HubToken)
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			c := &Config{LogLevel: tt.level}
			assert.Equal(t, tt.want, c.SlogLevel())
		})
	}
}
