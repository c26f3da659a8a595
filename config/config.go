package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Billing
	CreditUnitUSD     decimal.Decimal // USD value of one credit, default: 0.01
	DefaultMultiplier decimal.Decimal // margin multiplier fallback, default: 1.5

	// Credit ledger
	DeductLockTimeout time.Duration // balance row lock wait bound, default: 5s

	// Pricing cache
	PriceCacheTTL time.Duration // default: 5m

	// Subscription collaborator; static "free" tier source when empty
	SubscriptionURL string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitRPM int64 // requests per minute per API key, default: 600
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		SubscriptionURL:      os.Getenv("SUBSCRIPTION_URL"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	unit, err := decimal.NewFromString(getEnv("CREDIT_UNIT_USD", "0.01"))
	if err != nil {
		return nil, fmt.Errorf("invalid CREDIT_UNIT_USD: %w", err)
	}
	if unit.Sign() <= 0 {
		return nil, fmt.Errorf("CREDIT_UNIT_USD must be positive, got %s", unit)
	}
	cfg.CreditUnitUSD = unit

	mult, err := decimal.NewFromString(getEnv("DEFAULT_MARGIN_MULTIPLIER", "1.5"))
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_MARGIN_MULTIPLIER: %w", err)
	}
	if mult.LessThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("DEFAULT_MARGIN_MULTIPLIER must be >= 1.0, got %s", mult)
	}
	cfg.DefaultMultiplier = mult

	lockTimeout, err := time.ParseDuration(getEnv("DEDUCT_LOCK_TIMEOUT", "5s"))
	if err != nil {
		return nil, fmt.Errorf("invalid DEDUCT_LOCK_TIMEOUT: %w", err)
	}
	cfg.DeductLockTimeout = lockTimeout

	cacheTTL, err := time.ParseDuration(getEnv("PRICE_CACHE_TTL", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid PRICE_CACHE_TTL: %w", err)
	}
	cfg.PriceCacheTTL = cacheTTL

	rpmStr := getEnv("DEFAULT_RATE_LIMIT_RPM", "600")
	rpm, err := strconv.ParseInt(rpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_RPM: %w", err)
	}
	cfg.DefaultRateLimitRPM = rpm

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
