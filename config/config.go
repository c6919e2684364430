package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	API struct {
		BaseURL               string `yaml:"base_url"`
		PublicBaseURL         string `yaml:"public_base_url"`
		TimeoutSeconds        int    `yaml:"timeout_seconds"`
		HealthIntervalSeconds int    `yaml:"health_interval_seconds"`
	} `yaml:"api"`

	Server struct {
		Port         int      `yaml:"port"`
		MaxUploadMB  int64    `yaml:"max_upload_mb"`
		AllowOrigins []string `yaml:"allow_origins"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Mode  string `yaml:"mode"`
		Level string `yaml:"level"`
	} `yaml:"log"`

	Overlay struct {
		DisplayWidth int `yaml:"display_width"`
	} `yaml:"overlay"`
}

const DefaultPath = "config.yaml"

// Load reads the YAML file at path (a missing file is not an error), applies
// .env and process environment overrides, fills defaults and validates.
func Load(path string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	cfg := &Config{}
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.API.BaseURL = getEnv("DETECT_API_BASE_URL", c.API.BaseURL)
	c.API.PublicBaseURL = getEnv("DETECT_PUBLIC_BASE_URL", c.API.PublicBaseURL)
	c.API.TimeoutSeconds = getEnvAsInt("DETECT_API_TIMEOUT", c.API.TimeoutSeconds)
	c.Server.Port = getEnvAsInt("PORT", c.Server.Port)
	c.Metrics.Port = getEnvAsInt("METRICS_PORT", c.Metrics.Port)
	c.Metrics.Enabled = getEnvAsBool("METRICS_ENABLED", c.Metrics.Enabled)
	c.Log.Mode = getEnv("LOG_MODE", c.Log.Mode)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
}

func (c *Config) applyDefaults() {
	if c.API.BaseURL == "" {
		c.API.BaseURL = "http://localhost:8000"
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	// processed_image_url 是相对路径，默认拼在 API 地址前
	if c.API.PublicBaseURL == "" {
		c.API.PublicBaseURL = c.API.BaseURL
	}
	c.API.PublicBaseURL = strings.TrimRight(c.API.PublicBaseURL, "/")
	if c.API.TimeoutSeconds <= 0 {
		c.API.TimeoutSeconds = 30
	}
	if c.API.HealthIntervalSeconds <= 0 {
		c.API.HealthIntervalSeconds = 5
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.MaxUploadMB <= 0 {
		c.Server.MaxUploadMB = 50
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9100
	}
	if c.Log.Mode == "" {
		c.Log.Mode = "production"
	}
	if c.Overlay.DisplayWidth <= 0 {
		c.Overlay.DisplayWidth = 800
	}
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid api.base_url %q", c.API.BaseURL)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Metrics.Enabled && c.Metrics.Port == c.Server.Port {
		return fmt.Errorf("metrics.port and server.port must differ (both %d)", c.Server.Port)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
