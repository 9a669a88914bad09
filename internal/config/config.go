// Package config loads the service configuration from .env and the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Env      string `validate:"oneof=development production test"` // "development", "production"
	HTTPAddr string `validate:"required"`
	RunLocal bool

	Store      StoreConfig
	Deliveries DeliveryConfig
	Redis      RedisConfig
	Signature  SignatureConfig
	Gateway    GatewayConfig
	Orders     OrdersConfig
	Engine     EngineConfig
	Sweep      SweepConfig
	Queue      QueueConfig

	MetricsNamespace string
	TracingEnabled   bool
}

type StoreConfig struct {
	Backend     string `validate:"oneof=dynamodb postgres memory"`
	Table       string `validate:"required_if=Backend dynamodb"`
	DatabaseURL string `validate:"required_if=Backend postgres"`
}

type DeliveryConfig struct {
	Backend string `validate:"oneof=dynamodb redis none"`
	Table   string `validate:"required_if=Backend dynamodb"`
	TTL     time.Duration
}

type RedisConfig struct {
	Addr string
	Pass string
	DB   int
}

type SignatureConfig struct {
	Secret           string
	Scheme           string `validate:"oneof=timestamped raw"`
	Header           string `validate:"required"`
	Tolerance        time.Duration
	DeliveryIDHeader string
	CertDomainSuffix string `validate:"required"`
	CertCacheTTL     time.Duration
	CertCacheSize    int `validate:"gte=1"`
}

type GatewayConfig struct {
	BaseURL string `validate:"omitempty,url"`
	APIKey  string
}

type OrdersConfig struct {
	BaseURL string `validate:"required,url"`
	APIKey  string
}

type EngineConfig struct {
	VerifyWithGateway bool
	StoreTimeout      time.Duration `validate:"gt=0"`
	GatewayTimeout    time.Duration `validate:"gt=0"`
	OrderTimeout      time.Duration `validate:"gt=0"`
}

type SweepConfig struct {
	StuckAfter  time.Duration `validate:"gt=0"`
	MaxAttempts int           `validate:"gte=1"`
	Batch       int           `validate:"gte=1"`
	Schedule    string        `validate:"required"`
}

type QueueConfig struct {
	URL           string
	QuarantineURL string
}

// Load reads configuration from .env file and environment variables.
func Load() (*Config, error) {
	// Load .env file (ignore error if missing)
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("RUN_LOCAL", false)
	v.SetDefault("STORE_BACKEND", "dynamodb")
	v.SetDefault("INTENTS_TABLE", "checkout_intents")
	v.SetDefault("DELIVERY_BACKEND", "dynamodb")
	v.SetDefault("DELIVERIES_TABLE", "webhook_deliveries")
	v.SetDefault("DELIVERY_TTL", "72h")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("SIGNATURE_SCHEME", "timestamped")
	v.SetDefault("SIGNATURE_HEADER", "X-Signature")
	v.SetDefault("SIGNATURE_TOLERANCE", "0s")
	v.SetDefault("DELIVERY_ID_HEADER", "X-Webhook-Id")
	v.SetDefault("CERT_DOMAIN_SUFFIX", ".amazonaws.com")
	v.SetDefault("CERT_CACHE_TTL", "1h")
	v.SetDefault("CERT_CACHE_SIZE", 32)
	v.SetDefault("VERIFY_WITH_GATEWAY", true)
	v.SetDefault("STORE_TIMEOUT", "3s")
	v.SetDefault("GATEWAY_TIMEOUT", "5s")
	v.SetDefault("ORDER_TIMEOUT", "10s")
	v.SetDefault("STUCK_AFTER", "10m")
	v.SetDefault("SWEEP_MAX_ATTEMPTS", 5)
	v.SetDefault("SWEEP_BATCH", 100)
	v.SetDefault("SWEEP_SCHEDULE", "0 */5 * * * *")
	v.SetDefault("METRICS_NAMESPACE", "CheckoutReconciler")
	v.SetDefault("TRACING_ENABLED", false)

	cfg := &Config{
		Env:      v.GetString("APP_ENV"),
		HTTPAddr: v.GetString("HTTP_ADDR"),
		RunLocal: v.GetBool("RUN_LOCAL"),
		Store: StoreConfig{
			Backend:     v.GetString("STORE_BACKEND"),
			Table:       v.GetString("INTENTS_TABLE"),
			DatabaseURL: v.GetString("DATABASE_URL"),
		},
		Deliveries: DeliveryConfig{
			Backend: v.GetString("DELIVERY_BACKEND"),
			Table:   v.GetString("DELIVERIES_TABLE"),
			TTL:     v.GetDuration("DELIVERY_TTL"),
		},
		Redis: RedisConfig{
			Addr: v.GetString("REDIS_ADDR"),
			Pass: v.GetString("REDIS_PASS"),
			DB:   v.GetInt("REDIS_DB"),
		},
		Signature: SignatureConfig{
			Secret:           v.GetString("WEBHOOK_SECRET"),
			Scheme:           v.GetString("SIGNATURE_SCHEME"),
			Header:           v.GetString("SIGNATURE_HEADER"),
			Tolerance:        v.GetDuration("SIGNATURE_TOLERANCE"),
			DeliveryIDHeader: v.GetString("DELIVERY_ID_HEADER"),
			CertDomainSuffix: v.GetString("CERT_DOMAIN_SUFFIX"),
			CertCacheTTL:     v.GetDuration("CERT_CACHE_TTL"),
			CertCacheSize:    v.GetInt("CERT_CACHE_SIZE"),
		},
		Gateway: GatewayConfig{
			BaseURL: v.GetString("GATEWAY_BASE_URL"),
			APIKey:  v.GetString("GATEWAY_API_KEY"),
		},
		Orders: OrdersConfig{
			BaseURL: v.GetString("ORDERS_BASE_URL"),
			APIKey:  v.GetString("ORDERS_API_KEY"),
		},
		Engine: EngineConfig{
			VerifyWithGateway: v.GetBool("VERIFY_WITH_GATEWAY"),
			StoreTimeout:      v.GetDuration("STORE_TIMEOUT"),
			GatewayTimeout:    v.GetDuration("GATEWAY_TIMEOUT"),
			OrderTimeout:      v.GetDuration("ORDER_TIMEOUT"),
		},
		Sweep: SweepConfig{
			StuckAfter:  v.GetDuration("STUCK_AFTER"),
			MaxAttempts: v.GetInt("SWEEP_MAX_ATTEMPTS"),
			Batch:       v.GetInt("SWEEP_BATCH"),
			Schedule:    v.GetString("SWEEP_SCHEDULE"),
		},
		Queue: QueueConfig{
			URL:           v.GetString("ORDERS_QUEUE_URL"),
			QuarantineURL: v.GetString("QUARANTINE_QUEUE_URL"),
		},
		MetricsNamespace: v.GetString("METRICS_NAMESPACE"),
		TracingEnabled:   v.GetBool("TRACING_ENABLED"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints plus the rules that span sections.
func (c *Config) Validate() error {
	if err := validatorv10.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Engine.VerifyWithGateway && c.Gateway.BaseURL == "" {
		return errors.New("invalid config: GATEWAY_BASE_URL is required when VERIFY_WITH_GATEWAY is on")
	}
	return nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
