package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the chat console configuration, read from YAML and overridden by MARKETCHAT_*
// environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Identity  string          `yaml:"identity" env:"MARKETCHAT_IDENTITY"`
	Token     string          `yaml:"token" env:"MARKETCHAT_TOKEN"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Send      SendConfig      `yaml:"send"`
	History   HistoryConfig   `yaml:"history"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Notify    NotifyConfig    `yaml:"notify"`
}

type ServerConfig struct {
	URL         string        `yaml:"url" env:"MARKETCHAT_SERVER_URL"`
	HeartBeat   time.Duration `yaml:"heart_beat" env:"MARKETCHAT_HEART_BEAT"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"MARKETCHAT_DIAL_TIMEOUT"`
	Inbound     string        `yaml:"inbound"` // may contain {identity}
	SendTo      string        `yaml:"send_to"`
	Presence    string        `yaml:"presence"`
}

type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"MARKETCHAT_RECONNECT_MAX_ATTEMPTS"`
	BaseDelay   time.Duration `yaml:"base_delay" env:"MARKETCHAT_RECONNECT_BASE_DELAY"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"MARKETCHAT_RECONNECT_MAX_DELAY"`
	Jitter      float64       `yaml:"jitter" env:"MARKETCHAT_RECONNECT_JITTER"`
	Fixed       bool          `yaml:"fixed" env:"MARKETCHAT_RECONNECT_FIXED"`
}

type SendConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second" env:"MARKETCHAT_SEND_RATE"`
	Burst         int     `yaml:"burst" env:"MARKETCHAT_SEND_BURST"`
}

type HistoryConfig struct {
	Path    string `yaml:"path" env:"MARKETCHAT_HISTORY_PATH"`
	Disable bool   `yaml:"disable" env:"MARKETCHAT_HISTORY_DISABLE"`
}

type LoggingConfig struct {
	Level string `yaml:"level" env:"MARKETCHAT_LOG_LEVEL"`
	File  string `yaml:"file" env:"MARKETCHAT_LOG_FILE"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" env:"MARKETCHAT_METRICS_ADDR"` // empty disables /metrics
}

// NotifyConfig enables ntfy push notifications from `chatctl listen`.
// Topic is a bare ntfy.sh topic or a full URL; empty disables notifications. Events is a
// comma-separated subset of "message,failed".
type NotifyConfig struct {
	Topic  string `yaml:"topic" env:"MARKETCHAT_NTFY_TOPIC"`
	Token  string `yaml:"token" env:"MARKETCHAT_NTFY_TOKEN"`
	Events string `yaml:"events" env:"MARKETCHAT_NTFY_EVENTS"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HeartBeat:   4 * time.Second,
			DialTimeout: 15 * time.Second,
			Inbound:     "/user/{identity}/queue/messages",
			SendTo:      "/app/chat.send",
			Presence:    "/app/chat.join",
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 3,
			BaseDelay:   3 * time.Second,
			MaxDelay:    30 * time.Second,
			Jitter:      0.2,
		},
		Send: SendConfig{
			RatePerSecond: 10,
			Burst:         20,
		},
		Logging: LoggingConfig{Level: "info"},
		Notify:  NotifyConfig{Events: "message,failed"},
	}
}

// Load reads path over the defaults, applies environment overrides and validates the result.
// A missing file is not an error when allowMissing is set.
func Load(path string, allowMissing bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && allowMissing:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings needed to reach the messaging server.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.url must use ws or wss, got %q", u.Scheme)
	}
	if c.Server.HeartBeat < 0 {
		return fmt.Errorf("server.heart_beat must not be negative")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative")
	}
	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be positive")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter must be between 0 and 1")
	}
	if c.Send.RatePerSecond < 0 || c.Send.Burst < 0 {
		return fmt.Errorf("send limits must not be negative")
	}
	return nil
}

// Save writes cfg to path as YAML, readable only by the owner since it may hold a token.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
