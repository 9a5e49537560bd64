package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"bengkel/payments-service/internal/validate"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment" validate:"oneof=development production test"`
	LogLevel    string `yaml:"log_level" validate:"oneof=debug info warn error"`

	HTTPAddr      string `yaml:"http_addr" validate:"required"`
	PublicBaseURL string `yaml:"public_base_url" validate:"required,http_url"`

	DatabaseURL      string `yaml:"database_url" validate:"required"`
	DatabaseMaxConns int    `yaml:"database_max_conns" validate:"min=0,max=1000"`

	RabbitURL      string `yaml:"rabbit_url" validate:"required"`
	StatusExchange string `yaml:"status_exchange" validate:"required"`
	VerifyExchange string `yaml:"verify_exchange" validate:"required"`
	VerifyQueue    string `yaml:"verify_queue" validate:"required"`

	OutboxInterval      time.Duration `yaml:"outbox_interval" validate:"gt=0"`
	OutboxBatchSize     int           `yaml:"outbox_batch_size" validate:"min=1"`
	SweepInterval       time.Duration `yaml:"sweep_interval" validate:"gt=0"`
	SweepStaleAfter     time.Duration `yaml:"sweep_stale_after" validate:"gt=0"`
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period" validate:"gt=0"`

	RequireWebhookSignature bool `yaml:"require_webhook_signature"`
	TrustDeliveryIDHeader   bool `yaml:"trust_delivery_id_header"`

	Gateway Gateway `yaml:"gateway"`
}

type Gateway struct {
	BaseURL           string        `yaml:"base_url" validate:"required,http_url"`
	MerchantID        string        `yaml:"merchant_id" validate:"required"`
	ClientID          string        `yaml:"client_id" validate:"required"`
	ClientSecret      string        `yaml:"client_secret" validate:"required"`
	WebhookSecret     string        `yaml:"webhook_secret"`
	RequestTimeout    time.Duration `yaml:"request_timeout" validate:"gt=0"`
	TokenMargin       time.Duration `yaml:"token_margin" validate:"min=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"min=0"`
	Burst             int           `yaml:"burst" validate:"min=0"`
}

func defaults() Config {
	return Config{
		Environment:         "development",
		LogLevel:            "info",
		HTTPAddr:            ":8080",
		DatabaseMaxConns:    16,
		StatusExchange:      "payments.order-status",
		VerifyExchange:      "payments.verify",
		VerifyQueue:         "payments.verify",
		OutboxInterval:      2 * time.Second,
		OutboxBatchSize:     32,
		SweepInterval:       time.Minute,
		SweepStaleAfter:     10 * time.Minute,
		ShutdownGracePeriod: 10 * time.Second,
		Gateway: Gateway{
			RequestTimeout: 10 * time.Second,
			TokenMargin:    60 * time.Second,
			Burst:          1,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides, in that order. Missing gateway credentials or
// database settings are an error; nothing secret has a default.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = getEnv("PAYMENTS_CONFIG_FILE", "")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	env := &envOverrides{}
	env.setString("PAYMENTS_ENV", &cfg.Environment)
	env.setString("PAYMENTS_LOG_LEVEL", &cfg.LogLevel)
	env.setString("PAYMENTS_HTTP_ADDR", &cfg.HTTPAddr)
	env.setString("PAYMENTS_PUBLIC_BASE_URL", &cfg.PublicBaseURL)
	env.setString("PAYMENTS_DATABASE_URL", &cfg.DatabaseURL)
	env.setInt("PAYMENTS_DATABASE_MAX_CONNS", &cfg.DatabaseMaxConns)
	env.setString("PAYMENTS_RABBIT_URL", &cfg.RabbitURL)
	env.setString("PAYMENTS_STATUS_EXCHANGE", &cfg.StatusExchange)
	env.setString("PAYMENTS_VERIFY_EXCHANGE", &cfg.VerifyExchange)
	env.setString("PAYMENTS_VERIFY_QUEUE", &cfg.VerifyQueue)
	env.setDuration("PAYMENTS_OUTBOX_INTERVAL", &cfg.OutboxInterval)
	env.setInt("PAYMENTS_OUTBOX_BATCH", &cfg.OutboxBatchSize)
	env.setDuration("PAYMENTS_SWEEP_INTERVAL", &cfg.SweepInterval)
	env.setDuration("PAYMENTS_SWEEP_STALE_AFTER", &cfg.SweepStaleAfter)
	env.setDuration("PAYMENTS_SHUTDOWN_TIMEOUT", &cfg.ShutdownGracePeriod)
	env.setBool("PAYMENTS_REQUIRE_WEBHOOK_SIGNATURE", &cfg.RequireWebhookSignature)
	env.setBool("PAYMENTS_TRUST_DELIVERY_ID_HEADER", &cfg.TrustDeliveryIDHeader)

	env.setString("DANA_BASE_URL", &cfg.Gateway.BaseURL)
	env.setString("DANA_MERCHANT_ID", &cfg.Gateway.MerchantID)
	env.setString("DANA_CLIENT_ID", &cfg.Gateway.ClientID)
	env.setString("DANA_CLIENT_SECRET", &cfg.Gateway.ClientSecret)
	env.setString("DANA_WEBHOOK_SECRET", &cfg.Gateway.WebhookSecret)
	env.setDuration("DANA_REQUEST_TIMEOUT", &cfg.Gateway.RequestTimeout)
	env.setDuration("DANA_TOKEN_MARGIN", &cfg.Gateway.TokenMargin)
	env.setFloat("DANA_REQUESTS_PER_SECOND", &cfg.Gateway.RequestsPerSecond)
	env.setInt("DANA_BURST", &cfg.Gateway.Burst)
	if err := errors.Join(env.errs...); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.New("yaml").Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.SignatureRequired() && c.Gateway.WebhookSecret == "" {
		return errors.New("invalid config: gateway.webhook_secret is required in production or when require_webhook_signature is set")
	}
	return nil
}

// SignatureRequired reports whether unsigned webhooks are rejected.
// Production always requires them.
func (c Config) SignatureRequired() bool {
	return c.RequireWebhookSignature || c.Environment == "production"
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// envOverrides applies set variables and collects parse errors instead of
// silently keeping the previous value.
type envOverrides struct {
	errs []error
}

func (e *envOverrides) setString(key string, dst *string) {
	if v := getEnv(key, ""); v != "" {
		*dst = v
	}
}

func (e *envOverrides) setDuration(key string, dst *time.Duration) {
	raw := getEnv(key, "")
	if raw == "" {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (e *envOverrides) setInt(key string, dst *int) {
	raw := getEnv(key, "")
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = v
}

func (e *envOverrides) setFloat(key string, dst *float64) {
	raw := getEnv(key, "")
	if raw == "" {
		return
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = v
}

func (e *envOverrides) setBool(key string, dst *bool) {
	raw := getEnv(key, "")
	if raw == "" {
		return
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = v
}
