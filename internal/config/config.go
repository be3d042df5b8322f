package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	WebhookSecret string `env:"TAILSCALE_WEBHOOK_SECRET"`
	EndpointsFile string `env:"ENDPOINTS_FILE" validate:"omitempty,filepath"`
	SecretsKey    string `env:"SECRETS_KEY" validate:"omitempty,len=32"`

	CacheProvider         string `env:"CACHE_PROVIDER" envDefault:"memory" validate:"omitempty,oneof=memory redis"`
	RedisConnectionString string `env:"REDIS_CONNECTION_STRING" envDefault:"redis://localhost:6379/0" validate:"required_if=CacheProvider redis"`

	DatabaseURL      string `env:"DATABASE_URL" validate:"omitempty,url"`
	DatabaseMaxConns int32  `env:"DATABASE_MAX_CONNS" envDefault:"4" validate:"gte=1,lte=100"`

	SentryDSN              string  `env:"SENTRY_DSN" validate:"omitempty,url"`
	SentryTracesSampleRate float64 `env:"SENTRY_TRACES_SAMPLE_RATE" envDefault:"0.1" validate:"gte=0,lte=1"`
	Environment            string  `env:"ENVIRONMENT" envDefault:"development"`

	NotifyEmailAPIKey string   `env:"NOTIFY_EMAIL_API_KEY"`
	NotifyEmailFrom   string   `env:"NOTIFY_EMAIL_FROM" validate:"omitempty,email"`
	NotifyEmailTo     []string `env:"NOTIFY_EMAIL_TO" envSeparator:"," validate:"omitempty,dive,email"`
	NotifyEventTypes  []string `env:"NOTIFY_EVENT_TYPES" envSeparator:"," envDefault:"nodeNeedsApproval,userNeedsApproval,nodeKeyExpiringInOneDay"`

	LogLevel  slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat string     `env:"LOG_FORMAT" envDefault:"text" validate:"omitempty,oneof=text json"`
	LogFile   string     `env:"LOG_FILE"`
	Port      string     `env:"PORT" envDefault:"8080" validate:"omitempty,numeric"`
}

var configValidator = validator.New()

func Load() (*Config, error) {
	var cfg Config

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if err := configValidator.Struct(c); err != nil {
		return err
	}

	if strings.TrimSpace(c.WebhookSecret) == "" && strings.TrimSpace(c.EndpointsFile) == "" {
		return fmt.Errorf("TAILSCALE_WEBHOOK_SECRET or ENDPOINTS_FILE must be set")
	}

	hasKey := strings.TrimSpace(c.NotifyEmailAPIKey) != ""
	hasFrom := strings.TrimSpace(c.NotifyEmailFrom) != ""
	hasTo := len(c.NotifyEmailTo) > 0
	if (hasKey || hasFrom || hasTo) && !(hasKey && hasFrom && hasTo) {
		return fmt.Errorf("NOTIFY_EMAIL_API_KEY, NOTIFY_EMAIL_FROM and NOTIFY_EMAIL_TO must be set together")
	}

	return nil
}

// NotificationsEnabled reports whether e-mail notifications are configured.
func (c *Config) NotificationsEnabled() bool {
	return c != nil && strings.TrimSpace(c.NotifyEmailAPIKey) != ""
}
