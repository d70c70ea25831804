// Package config defines the global configuration structure for the billing
// synchronization engine. Configuration is loaded once at process
// initialization and is immutable thereafter. It follows 12-Factor App
// principles by strictly separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup.
package config

import (
	"time"

	"subsync/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the engine. It is
// populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"subsync"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server   ServerConfig
	Database DatabaseConfig
	Billing  BillingConfig
	AWS      AWSConfig
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public URL for post-checkout redirects (no trailing slash).
	DashboardURL string `envconfig:"DASHBOARD_URL" validate:"required,url"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// BillingConfig holds payment provider credentials and plan mapping.
type BillingConfig struct {
	APIKey        SecretString `envconfig:"BILLING_API_KEY" validate:"required"`
	WebhookSecret SecretString `envconfig:"BILLING_WEBHOOK_SECRET" validate:"required"`

	// Tolerance window for the signed webhook timestamp. Events whose
	// embedded timestamp is older than this are rejected as replays.
	WebhookTolerance time.Duration `envconfig:"BILLING_WEBHOOK_TOLERANCE" default:"5m"`

	// PlanPrices is a JSON mapping: "plan name" -> "provider price id".
	// Example: {"pro": "price_pro", "team": "price_team"}
	PlanPrices string `envconfig:"BILLING_PLAN_PRICES_JSON" validate:"required,json"`

	// Label applied to subscriptions whose price id has no configured plan.
	// Unmapped prices never fail processing; they are flagged for operators.
	DefaultPlanLabel string `envconfig:"BILLING_DEFAULT_PLAN_LABEL" default:"unknown"`

	// Override for testing; defaults to the provider's production API.
	APIBaseURL string `envconfig:"BILLING_API_BASE_URL"`
}

// AWSConfig holds AWS resource identifiers and regional configuration for
// the operational side channels (ops alert queue, metrics).
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Queue receiving operator-attention alerts (unmapped price ids,
	// customer binding conflicts). Optional: empty disables publishing.
	AlertQueueURL string `envconfig:"SQS_OPS_ALERTS"`

	// CloudWatch namespace for webhook outcome metrics.
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"SubSync"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
