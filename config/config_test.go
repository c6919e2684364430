package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("missing file falls back to defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:8000", cfg.API.BaseURL)
		assert.Equal(t, cfg.API.BaseURL, cfg.API.PublicBaseURL)
		assert.Equal(t, 30, cfg.API.TimeoutSeconds)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 800, cfg.Overlay.DisplayWidth)
	})

	t.Run("file values", func(t *testing.T) {
		path := writeConfig(t, `
api:
  base_url: http://detector:9000/
  public_base_url: https://cdn.example.com
server:
  port: 8088
metrics:
  enabled: true
  port: 9200
log:
  mode: development
  level: debug
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "http://detector:9000", cfg.API.BaseURL)
		assert.Equal(t, "https://cdn.example.com", cfg.API.PublicBaseURL)
		assert.Equal(t, 8088, cfg.Server.Port)
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9200, cfg.Metrics.Port)
		assert.Equal(t, "development", cfg.Log.Mode)
	})

	t.Run("env beats file", func(t *testing.T) {
		path := writeConfig(t, "api:\n  base_url: http://detector:9000\nserver:\n  port: 8088\n")
		t.Setenv("DETECT_API_BASE_URL", "http://override:7000")
		t.Setenv("PORT", "9999")
		t.Setenv("LOG_LEVEL", "warn")
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "http://override:7000", cfg.API.BaseURL)
		assert.Equal(t, 9999, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Log.Level)
	})

	t.Run("invalid base url", func(t *testing.T) {
		path := writeConfig(t, "api:\n  base_url: not-a-url\n")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, "api: [unterminated\n")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("metrics port clash", func(t *testing.T) {
		path := writeConfig(t, "server:\n  port: 9100\nmetrics:\n  enabled: true\n  port: 9100\n")
		_, err := Load(path)
		assert.Error(t, err)
	})
}
