package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/readiness-billing/internal/domain/payment"
	"github.com/xenking/readiness-billing/internal/domain/pricing"
)

// Config holds the complete application configuration, loadable from
// environment variables (BILLING_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (BILLING_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing" flag:"api-key-pepper"`
	Pricing      PricingConfig
	Commission   CommissionConfig
	Idempotency  IdempotencyConfig
	Redemption   RedemptionConfig
	Cache        CacheConfig
	Kafka        KafkaConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// PricingConfig is the tier price list.
type PricingConfig struct {
	Basic       string `default:"50.00"  usage:"Basic tier price"`
	Standard    string `default:"100.00" usage:"Standard tier price"`
	Premium     string `default:"250.00" usage:"Premium tier price"`
	UnknownTier string `default:"reject" usage:"Unknown tier policy: reject or basic" flag:"unknown-tier"`
}

// CommissionConfig controls affiliate commission.
type CommissionConfig struct {
	Rate string `default:"0.10" usage:"Commission rate applied to the undiscounted price"`
}

// IdempotencyConfig selects how repeated redemptions are recognised.
type IdempotencyConfig struct {
	Strategy string `default:"statusCheck" usage:"statusCheck or explicitKey"`
}

// RedemptionConfig bounds a single redemption.
type RedemptionConfig struct {
	Timeout time.Duration `default:"5s" usage:"Redemption timeout"`
}

// CacheConfig enables the Redis coupon read cache for quotes.
type CacheConfig struct {
	RedisAddr string        `default:"" usage:"Redis address, empty disables the cache" flag:"redis-addr"`
	TTL       time.Duration `default:"30s" usage:"Cached coupon lifetime"`
}

// KafkaConfig configures the payment events consumer.
type KafkaConfig struct {
	Brokers []string      `default:"localhost:9092" usage:"Kafka brokers"`
	Topic   string        `default:"payments.confirmed" usage:"Payment events topic"`
	GroupID string        `default:"readiness-billing" usage:"Consumer group" flag:"group-id"`
	Workers int           `default:"1" usage:"Consumer workers in the group"`
	Backoff time.Duration `default:"1s" usage:"Delay between retries of a failed event"`
}

// RateLimitConfig controls the per-client token bucket rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "BILLING",
		Files:     []string{"config.yaml", "/etc/billing/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set BILLING_DATABASE_URL or DATABASE_URL")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps DATABASE_URL and PORT, as set by hosting
// platforms, onto the BILLING_ configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

// PriceTable builds the validated tier price table.
func (c PricingConfig) PriceTable() (*pricing.Table, error) {
	prices := make(map[pricing.Tier]decimal.Decimal, len(pricing.Tiers))
	for tier, raw := range map[pricing.Tier]string{
		pricing.TierBasic:    c.Basic,
		pricing.TierStandard: c.Standard,
		pricing.TierPremium:  c.Premium,
	} {
		p, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s price", tier)
		}
		prices[tier] = p
	}
	return pricing.NewTable(prices, pricing.UnknownTierPolicy(c.UnknownTier))
}

// CommissionRate parses the configured rate.
func (c CommissionConfig) CommissionRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.Rate))
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "parse commission rate")
	}
	return rate, nil
}

// PaymentConfig converts the redemption settings for payment.NewService.
func (c *Config) PaymentConfig() payment.Config {
	return payment.Config{
		Strategy: payment.IdempotencyStrategy(c.Idempotency.Strategy),
		Timeout:  c.Redemption.Timeout,
	}
}
