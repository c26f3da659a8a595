package policy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vnmchuo/credit-meter/internal/policy"
	"github.com/vnmchuo/credit-meter/internal/subscription"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func upsert(t *testing.T, store policy.Store, scope policy.Scope, tier subscription.Tier, provider, model, multiplier string) {
	t.Helper()
	err := store.Upsert(context.Background(), &policy.MarginConfig{
		Scope:      scope,
		Tier:       tier,
		Provider:   provider,
		Model:      model,
		Multiplier: dec(multiplier),
	})
	require.NoError(t, err)
}

func newResolver(store policy.Store, tiers subscription.TierSource) *policy.Resolver {
	return policy.NewResolver(store, tiers, dec("1.5"), zap.NewNop())
}

func TestResolver_CascadeOrder(t *testing.T) {
	ctx := context.Background()
	store := policy.NewMemoryStore()
	tiers := subscription.NewStaticSource(map[string]subscription.Tier{
		"user-1": subscription.TierPro,
	}, subscription.TierFree)

	// Configs at every level for the same key; the most specific must win.
	upsert(t, store, policy.ScopeTier, subscription.TierPro, "", "", "1.2")
	upsert(t, store, policy.ScopeProvider, subscription.TierPro, "openai", "", "1.3")
	upsert(t, store, policy.ScopeModel, subscription.TierPro, "", "gpt-4o", "1.4")
	upsert(t, store, policy.ScopeCombination, subscription.TierPro, "openai", "gpt-4o", "1.1")

	r := newResolver(store, tiers)

	tests := []struct {
		name      string
		provider  string
		model     string
		wantMult  string
		wantScope policy.Scope
	}{
		{"combination wins over all", "openai", "gpt-4o", "1.1", policy.ScopeCombination},
		{"model beats provider", "anthropic", "gpt-4o", "1.4", policy.ScopeModel},
		{"provider beats tier", "openai", "o3-mini", "1.3", policy.ScopeProvider},
		{"tier catches the rest", "anthropic", "claude-sonnet", "1.2", policy.ScopeTier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Multiplier(ctx, "user-1", tt.provider, tt.model)
			require.True(t, res.Multiplier.Equal(dec(tt.wantMult)), "multiplier = %s, want %s", res.Multiplier, tt.wantMult)
			require.Equal(t, tt.wantScope, res.Scope)
			require.Equal(t, subscription.TierPro, res.Tier)
		})
	}
}

func TestResolver_DefaultWithNoConfig(t *testing.T) {
	r := newResolver(policy.NewMemoryStore(), subscription.NewStaticSource(nil, subscription.TierFree))

	res := r.Multiplier(context.Background(), "anyone", "openai", "gpt-4o")
	require.True(t, res.Multiplier.Equal(dec("1.5")))
	require.Equal(t, policy.ScopeDefault, res.Scope)
}

func TestResolver_TierIsolation(t *testing.T) {
	ctx := context.Background()
	store := policy.NewMemoryStore()
	tiers := subscription.NewStaticSource(map[string]subscription.Tier{
		"pro-user": subscription.TierPro,
	}, subscription.TierFree)

	// A pro-tier rule must not leak to free-tier users.
	upsert(t, store, policy.ScopeTier, subscription.TierPro, "", "", "1.2")

	r := newResolver(store, tiers)

	pro := r.Multiplier(ctx, "pro-user", "openai", "gpt-4o")
	require.True(t, pro.Multiplier.Equal(dec("1.2")))

	free := r.Multiplier(ctx, "free-user", "openai", "gpt-4o")
	require.True(t, free.Multiplier.Equal(dec("1.5")))
	require.Equal(t, policy.ScopeDefault, free.Scope)
}

type failingTierSource struct{}

func (failingTierSource) CurrentTier(context.Context, string) (subscription.Tier, error) {
	return "", subscription.ErrUnavailable
}

func TestResolver_TierLookupFailureFallsBack(t *testing.T) {
	store := policy.NewMemoryStore()
	upsert(t, store, policy.ScopeTier, subscription.TierPro, "", "", "1.2")

	r := newResolver(store, failingTierSource{})

	res := r.Multiplier(context.Background(), "user-1", "openai", "gpt-4o")
	require.True(t, res.Multiplier.Equal(dec("1.5")))
	require.Equal(t, policy.ScopeDefault, res.Scope)
}

func TestResolver_DeactivatedConfigIgnored(t *testing.T) {
	ctx := context.Background()
	store := policy.NewMemoryStore()
	tiers := subscription.NewStaticSource(nil, subscription.TierFree)

	cfg := &policy.MarginConfig{
		Scope:      policy.ScopeTier,
		Tier:       subscription.TierFree,
		Multiplier: dec("2.0"),
	}
	require.NoError(t, store.Upsert(ctx, cfg))
	require.NoError(t, store.Deactivate(ctx, cfg.ID))

	r := newResolver(store, tiers)
	res := r.Multiplier(ctx, "user-1", "openai", "gpt-4o")
	require.Equal(t, policy.ScopeDefault, res.Scope)

	// A second deactivate of the same id must be rejected.
	err := store.Deactivate(ctx, cfg.ID)
	require.ErrorIs(t, err, policy.ErrConfigNotFound)
}

type erroringStore struct{ policy.Store }

func (erroringStore) FindActive(context.Context, policy.Scope, subscription.Tier, string, string) (*policy.MarginConfig, error) {
	return nil, errors.New("store down")
}

func TestResolver_StoreErrorDegradesToDefault(t *testing.T) {
	r := newResolver(erroringStore{}, subscription.NewStaticSource(nil, subscription.TierFree))

	res := r.Multiplier(context.Background(), "user-1", "openai", "gpt-4o")
	require.True(t, res.Multiplier.Equal(dec("1.5")))
	require.Equal(t, policy.ScopeDefault, res.Scope)
}
