// Package config loads service configuration from a YAML file with
// flag-level overrides applied by the caller.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"
)

// Duration wraps time.Duration so YAML values can use "30s" style strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	HTTPAddr     string   `yaml:"http_addr"`
	DBPath       string   `yaml:"db_path"`
	Workers      int      `yaml:"workers"`
	PollInterval Duration `yaml:"poll_interval"`
	AppURL       string   `yaml:"app_url"`
	LogLevel     string   `yaml:"log_level"`

	Chat    ChatConfig    `yaml:"chat"`
	Email   EmailConfig   `yaml:"email"`
	Summary SummaryConfig `yaml:"summary"`
}

type ChatConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Token      string `yaml:"token"`
	RatePerSec int    `yaml:"rate_per_sec"`
}

type EmailConfig struct {
	APIURL string `yaml:"api_url"`
	APIKey string `yaml:"api_key"`
	From   string `yaml:"from"`
}

type SummaryConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

func Default() Config {
	return Config{
		HTTPAddr:     ":8080",
		DBPath:       "statusflow.db",
		Workers:      4,
		PollInterval: Duration(time.Minute),
		AppURL:       "http://localhost:8080",
		LogLevel:     "info",
		Chat:         ChatConfig{RatePerSec: 5},
		Email:        EmailConfig{From: "updates@localhost"},
	}
}

// Load reads path into a Config on top of the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.PollInterval.Std() < time.Second {
		return fmt.Errorf("poll_interval must be at least 1s, got %s", c.PollInterval.Std())
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	return nil
}
