package seeder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/credit-meter/internal/auth"
	"github.com/vnmchuo/credit-meter/internal/ledger"
	"github.com/vnmchuo/credit-meter/internal/policy"
	"github.com/vnmchuo/credit-meter/internal/pricing"
)

const (
	TestServiceKey = "test-service-key-12345"
	TestAdminKey   = "test-admin-key-12345"
	TestUserID     = "00000000-0000-0000-0000-000000000001"

	testStartingBalance = 10000
)

func hashKey(key string) string {
	h := sha256.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

func SeedTestAPIKeys(ctx context.Context, store auth.Store) {
	keys := []*auth.APIKey{
		{Owner: "test-service", KeyHash: hashKey(TestServiceKey), Role: auth.RoleService, RateLimit: 1000000, Active: true},
		{Owner: "test-admin", KeyHash: hashKey(TestAdminKey), Role: auth.RoleAdmin, RateLimit: 1000000, Active: true},
	}

	for _, k := range keys {
		if err := store.Create(ctx, k); err != nil {
			log.Printf("[Seeder] API key for %s may already exist, skipping: %v", k.Owner, err)
			continue
		}
		log.Printf("[Seeder] Created %s API key (%s)", k.Role, k.Owner)
	}
	log.Printf("[Seeder] Service key: %s", TestServiceKey)
	log.Printf("[Seeder] Admin key: %s", TestAdminKey)
}

// SeedLaunchPrices loads a starter vendor price book so the service can
// meter requests before an operator has entered real prices.
func SeedLaunchPrices(ctx context.Context, store pricing.Store) {
	records := []*pricing.PriceRecord{
		{
			Provider:         "openai",
			Model:            "gpt-4o",
			InputPer1K:       decimal.RequireFromString("0.0025"),
			OutputPer1K:      decimal.RequireFromString("0.01"),
			CachedInputPer1K: decimal.NewNullDecimal(decimal.RequireFromString("0.00125")),
		},
		{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			InputPer1K:  decimal.RequireFromString("0.00015"),
			OutputPer1K: decimal.RequireFromString("0.0006"),
		},
		{
			Provider:         "claude",
			Model:            "claude-sonnet",
			InputPer1K:       decimal.RequireFromString("0.003"),
			OutputPer1K:      decimal.RequireFromString("0.015"),
			CachedInputPer1K: decimal.NewNullDecimal(decimal.RequireFromString("0.0003")),
		},
		{
			Provider:    "gemini",
			Model:       "gemini-pro",
			InputPer1K:  decimal.RequireFromString("0.00125"),
			OutputPer1K: decimal.RequireFromString("0.005"),
		},
	}

	displayNames := map[string]string{
		"openai": "OpenAI",
		"claude": "Anthropic Claude",
		"gemini": "Google Gemini",
	}

	now := time.Now().UTC()
	for _, rec := range records {
		if _, err := store.ResolveAt(ctx, rec.Provider, rec.Model, now); err == nil {
			continue
		}
		if _, err := store.EnsureProvider(ctx, rec.Provider, displayNames[rec.Provider]); err != nil {
			log.Printf("[Seeder] provider %s skipped: %v", rec.Provider, err)
			continue
		}
		if err := store.SetPrice(ctx, rec); err != nil {
			log.Printf("[Seeder] price for %s/%s skipped: %v", rec.Provider, rec.Model, err)
			continue
		}
		log.Printf("[Seeder] Seeded price %s/%s", rec.Provider, rec.Model)
	}
}

// SeedMarginConfigs sets up the tier-level multipliers used at launch.
func SeedMarginConfigs(ctx context.Context, store policy.Store) {
	configs := []*policy.MarginConfig{
		{Scope: policy.ScopeTier, Tier: "free", Multiplier: decimal.RequireFromString("2.0")},
		{Scope: policy.ScopeTier, Tier: "pro", Multiplier: decimal.RequireFromString("1.5")},
		{Scope: policy.ScopeTier, Tier: "enterprise", Multiplier: decimal.RequireFromString("1.2")},
	}

	for _, cfg := range configs {
		if err := store.Upsert(ctx, cfg); err != nil {
			log.Printf("[Seeder] margin config for tier %s skipped: %v", cfg.Tier, err)
			continue
		}
		log.Printf("[Seeder] Seeded %s margin config (tier=%s x%s)", cfg.Scope, cfg.Tier, cfg.Multiplier)
	}
}

// SeedTestBalance grants the test user a starting balance once.
func SeedTestBalance(ctx context.Context, l ledger.Ledger) {
	balance, err := l.Balance(ctx, TestUserID)
	if err != nil {
		log.Printf("[Seeder] balance check failed, skipping grant: %v", err)
		return
	}
	if balance > 0 {
		return
	}

	newBalance, err := l.Grant(ctx, TestUserID, testStartingBalance)
	if err != nil {
		log.Printf("[Seeder] grant failed: %v", err)
		return
	}
	log.Printf("[Seeder] Test user %s funded with %d credits", TestUserID, newBalance)
}
