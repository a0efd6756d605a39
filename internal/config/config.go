// Package config assembles bridge settings from defaults, an optional YAML
// file and environment variables, in that order.
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"qbridge/internal/pkg/errors"
)

type Config struct {
	Redis     RedisConfig     `yaml:"redis"`
	Listen    ListenConfig    `yaml:"listen"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Log       LogConfig       `yaml:"log"`
	Admin     AdminConfig     `yaml:"admin"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type ListenConfig struct {
	Queues         []string `yaml:"queues"`
	Channels       []string `yaml:"channels"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	// Format is the stdout format: raw or json.
	Format string `yaml:"format"`
	// Buffer, when positive, moves sink work off the dispatcher onto
	// Workers goroutines through a queue of this size.
	Buffer  int `yaml:"buffer"`
	Workers int `yaml:"workers"`
}

type ReconnectConfig struct {
	RetryBudget int           `yaml:"retry_budget"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AdminConfig struct {
	// Addr enables the admin HTTP server when set, e.g. ":8090".
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type WebhookConfig struct {
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxFailures uint32        `yaml:"max_failures"`
}

type ArchiveConfig struct {
	DatabaseURL  string `yaml:"database_url"`
	EnsureSchema bool   `yaml:"ensure_schema"`
}

func Defaults() Config {
	return Config{
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			PollInterval: time.Second,
		},
		Listen: ListenConfig{
			TimeoutSeconds: 0,
			Format:         "raw",
			Workers:        1,
		},
		Reconnect: ReconnectConfig{
			RetryBudget: 10,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			Jitter:      0.2,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Admin: AdminConfig{
			ShutdownTimeout: 10 * time.Second,
		},
		Webhook: WebhookConfig{
			Timeout:     5 * time.Second,
			MaxFailures: 5,
		},
		Archive: ArchiveConfig{
			EnsureSchema: true,
		},
	}
}

// Load returns Defaults overlaid with the YAML file at path (skipped when
// path is empty) and then the environment. It does not validate.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile decodes the YAML file at path over cfg. Keys absent from the file
// keep their current values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "config.load", "read config file").
			WithField("path", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "config.load", "parse config file").
			WithField("path", path)
	}
	return nil
}

// ApplyEnv overlays the environment variables that are set.
func ApplyEnv(cfg *Config) error {
	envString("REDIS_ADDR", &cfg.Redis.Addr)
	envString("REDIS_USERNAME", &cfg.Redis.Username)
	envString("REDIS_PASSWORD", &cfg.Redis.Password)
	envCSV("QUEUE_NAMES", &cfg.Listen.Queues)
	envCSV("CHANNEL_NAMES", &cfg.Listen.Channels)
	envString("OUTPUT_FORMAT", &cfg.Listen.Format)
	envString("LOG_LEVEL", &cfg.Log.Level)
	envString("LOG_FORMAT", &cfg.Log.Format)
	envString("ADMIN_ADDR", &cfg.Admin.Addr)
	envString("WEBHOOK_URL", &cfg.Webhook.URL)
	envString("DATABASE_URL", &cfg.Archive.DatabaseURL)

	for k, dst := range map[string]*int{
		"REDIS_DB":               &cfg.Redis.DB,
		"POP_TIMEOUT_SECONDS":    &cfg.Listen.TimeoutSeconds,
		"RECONNECT_RETRY_BUDGET": &cfg.Reconnect.RetryBudget,
	} {
		if err := envInt(k, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.ValidationField("redis.addr", "redis address is required")
	}
	if c.Redis.DB < 0 {
		return errors.ValidationField("redis.db", "must not be negative")
	}
	if c.Listen.TimeoutSeconds < 0 {
		return errors.ValidationField("listen.timeout_seconds", "must not be negative")
	}
	for _, q := range c.Listen.Queues {
		if strings.TrimSpace(q) == "" {
			return errors.ValidationField("listen.queues", "queue name is empty")
		}
	}
	for _, ch := range c.Listen.Channels {
		if strings.TrimSpace(ch) == "" {
			return errors.ValidationField("listen.channels", "channel name is empty")
		}
	}
	switch strings.ToLower(c.Listen.Format) {
	case "", "raw", "json":
	default:
		return errors.ValidationField("listen.format", "must be raw or json").WithField("value", c.Listen.Format)
	}
	if c.Listen.Buffer < 0 || c.Listen.Workers < 0 {
		return errors.ValidationField("listen.buffer", "buffer and workers must not be negative")
	}
	if c.Reconnect.RetryBudget < 1 {
		return errors.ValidationField("reconnect.retry_budget", "must be at least 1")
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return errors.ValidationField("reconnect.max_delay", "need 0 < base_delay <= max_delay")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		return errors.ValidationField("reconnect.jitter", "must be in [0, 1)")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.ValidationField("log.level", "unknown log level").WithField("value", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return errors.ValidationField("log.format", "must be json or text").WithField("value", c.Log.Format)
	}
	return nil
}

// ValidateListen additionally requires something to listen on.
func (c Config) ValidateListen() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.Listen.Queues) == 0 && len(c.Listen.Channels) == 0 {
		return errors.ValidationField("listen.queues", "at least one queue or channel is required")
	}
	return nil
}
