package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the ebookctl YAML file.
type Config struct {
	API struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"api"`

	Watch struct {
		Interval      time.Duration `yaml:"interval"`
		StuckAfter    time.Duration `yaml:"stuck_after"`
		NotFoundGrace time.Duration `yaml:"not_found_grace"`
		AutoRetry     *bool         `yaml:"auto_retry"`
	} `yaml:"watch"`
}

func defaultConfig() *Config {
	var cfg Config
	cfg.API.BaseURL = "http://localhost:8080"
	cfg.API.Timeout = 15 * time.Second
	cfg.Watch.Interval = 2 * time.Second
	cfg.Watch.StuckAfter = 12 * time.Second
	cfg.Watch.NotFoundGrace = 30 * time.Second
	return &cfg
}

// loadConfig reads path over the defaults. A missing file is only an
// error when required is set.
func loadConfig(path string, required bool) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !required {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if cfg.API.BaseURL == "" {
		return nil, errors.New("api.base_url must not be empty")
	}
	return cfg, nil
}

func (c *Config) autoRetry() bool {
	return c.Watch.AutoRetry == nil || *c.Watch.AutoRetry
}
