package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	TwitchClientID     string `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret string `env:"TWITCH_CLIENT_SECRET"`
	WebhookCallbackURL string `env:"WEBHOOK_CALLBACK_URL"`
	WebhookSecret      string `env:"WEBHOOK_SECRET"`

	EventSenderURL string `env:"EVENT_SENDER_URL"`

	ManagementRateLimit float64 `env:"MANAGEMENT_RATE_LIMIT" default:"10"`
	ManagementRateBurst int     `env:"MANAGEMENT_RATE_BURST" default:"20"`

	MessageDedupeTTL  time.Duration `env:"MESSAGE_DEDUPE_TTL" default:"10m"`
	EntityLockTTL     time.Duration `env:"ENTITY_LOCK_TTL" default:"3m"`    // covers the worst-case Twitch call
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" default:"1h"` // 0 disables
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := []struct {
		name  string
		value string
	}{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"REDIS_URL", cfg.RedisURL},
		{"TWITCH_CLIENT_ID", cfg.TwitchClientID},
		{"TWITCH_CLIENT_SECRET", cfg.TwitchClientSecret},
		{"WEBHOOK_CALLBACK_URL", cfg.WebhookCallbackURL},
		{"WEBHOOK_SECRET", cfg.WebhookSecret},
		{"EVENT_SENDER_URL", cfg.EventSenderURL},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	// Twitch rejects EventSub secrets outside this range.
	if len(cfg.WebhookSecret) < 10 || len(cfg.WebhookSecret) > 100 {
		return errors.New("WEBHOOK_SECRET must be between 10 and 100 characters")
	}

	if !strings.HasPrefix(cfg.WebhookCallbackURL, "https://") {
		return errors.New("WEBHOOK_CALLBACK_URL must use https")
	}

	if cfg.ManagementRateLimit <= 0 || cfg.ManagementRateBurst <= 0 {
		return errors.New("MANAGEMENT_RATE_LIMIT and MANAGEMENT_RATE_BURST must be positive")
	}

	if cfg.AppEnv == "production" {
		if mode := sslMode(cfg.DatabaseURL); mode == "disable" || mode == "allow" {
			return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
		}
	}

	return nil
}

func sslMode(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Query().Get("sslmode"))
}
