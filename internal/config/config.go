package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	DatabaseURL   string `yaml:"databaseURL"`
	SQLitePath    string `yaml:"sqlitePath"`
	LogLevel      string `yaml:"logLevel"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	EventStream   string `yaml:"eventStream"`
	TokenSecret   string `yaml:"tokenSecret"`
	TokenTTL      string `yaml:"tokenTTL"`
	RateLimit     int    `yaml:"rateLimit"`
	RateWindow    string `yaml:"rateWindow"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("KHETMA_SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}
	if v := os.Getenv("KHETMA_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("KHETMA_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("KHETMA_EVENT_STREAM"); v != "" {
		cfg.EventStream = v
	}
	if v := os.Getenv("KHETMA_TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}
	if v := os.Getenv("KHETMA_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit = n
		}
	}
	if v := os.Getenv("KHETMA_RATE_WINDOW"); v != "" {
		cfg.RateWindow = v
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" && cfg.SQLitePath == "" {
		return errors.New("config: one of databaseURL or sqlitePath is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.TokenSecret == "" {
		return errors.New("config: tokenSecret is required (set in config.yaml or KHETMA_TOKEN_SECRET)")
	}
	if cfg.RateLimit < 0 {
		return errors.New("config: rateLimit must not be negative")
	}
	if cfg.RateWindow != "" {
		if _, err := time.ParseDuration(cfg.RateWindow); err != nil {
			return fmt.Errorf("config: invalid rateWindow: %w", err)
		}
	}
	if cfg.TokenTTL != "" {
		if _, err := time.ParseDuration(cfg.TokenTTL); err != nil {
			return fmt.Errorf("config: invalid tokenTTL: %w", err)
		}
	}
	return nil
}

// RateWindowDuration returns the parsed rate window, defaulting to one minute.
func (c FileConfig) RateWindowDuration() time.Duration {
	if c.RateWindow == "" {
		return time.Minute
	}
	d, err := time.ParseDuration(c.RateWindow)
	if err != nil {
		return time.Minute
	}
	return d
}

// TokenTTLDuration returns the parsed token lifetime, or zero when unset so
// the token codec can apply its own default.
func (c FileConfig) TokenTTLDuration() time.Duration {
	if c.TokenTTL == "" {
		return 0
	}
	d, err := time.ParseDuration(c.TokenTTL)
	if err != nil {
		return 0
	}
	return d
}
