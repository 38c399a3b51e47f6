// Package config defines the configuration for the Roomio billing service.
// Configuration is loaded once at process start and is immutable thereafter,
// following 12-Factor principles: values come from the OS environment, with
// an optional dotenv file layered underneath for local development.
//
// Any missing required value or invalid format fails startup immediately.
package config

import (
	"time"

	"roomio/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	Billing  BillingConfig
	Credits  CreditsConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// BillingConfig holds payment provider credentials and webhook settings.
// The webhook signing secret is required: signature verification fails
// closed when it is unset, so a missing value must stop startup rather
// than silently disable verification.
type BillingConfig struct {
	StripeSecretKey     SecretString  `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	StripeAPIBaseURL    string        `envconfig:"STRIPE_API_BASE_URL"` // override for tests
	HandlerTimeout      time.Duration `envconfig:"WEBHOOK_HANDLER_TIMEOUT" default:"30s"`
}

// CreditsConfig holds credit economy settings.
type CreditsConfig struct {
	PerGeneration int64        `envconfig:"CREDITS_PER_GENERATION" default:"10" validate:"gt=0"`
	FreeGrant     int64        `envconfig:"CREDITS_FREE_GRANT" default:"600" validate:"gt=0"`
	SweepSecret   SecretString `envconfig:"CREDITS_SWEEP_SECRET" validate:"required"`
}
