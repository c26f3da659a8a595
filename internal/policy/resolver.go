package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vnmchuo/credit-meter/internal/subscription"
)

// Resolution is the outcome of one multiplier lookup: the multiplier plus
// which cascade level produced it, kept on the usage record for audit.
type Resolution struct {
	Multiplier decimal.Decimal   `json:"multiplier"`
	Scope      Scope             `json:"scope"`
	Tier       subscription.Tier `json:"tier,omitempty"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (r *Resolution) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (r *Resolution) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}

// Resolver resolves the margin multiplier for a user/provider/model triple
// through the five-level cascade. Resolution never fails: any tier or store
// trouble degrades to the configured default multiplier, so billing stays
// available with zero admin configuration.
type Resolver struct {
	store    Store
	tiers    subscription.TierSource
	fallback decimal.Decimal
	logger   *zap.Logger

	// Optional short-TTL cache of resolved multipliers. Purely a read
	// optimization: resolution must stay correct with cache nil.
	cache    *redis.Client
	cacheTTL time.Duration
}

func NewResolver(store Store, tiers subscription.TierSource, fallback decimal.Decimal, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:    store,
		tiers:    tiers,
		fallback: fallback,
		logger:   logger,
	}
}

// WithCache enables multiplier caching on the resolver.
func (r *Resolver) WithCache(cache *redis.Client, ttl time.Duration) *Resolver {
	r.cache = cache
	r.cacheTTL = ttl
	return r
}

func multiplierKey(tier subscription.Tier, provider, model string) string {
	return fmt.Sprintf("policy:mult:%s:%s:%s", tier, provider, model)
}

func (r *Resolver) Multiplier(ctx context.Context, userID, provider, model string) Resolution {
	tier, err := r.tiers.CurrentTier(ctx, userID)
	if err != nil {
		// No tier means no tier-scoped rule can match; land on the default
		// rather than failing the billing flow.
		r.logger.Warn("tier lookup failed, using default multiplier",
			zap.String("user_id", userID), zap.Error(err))
		return Resolution{Multiplier: r.fallback, Scope: ScopeDefault}
	}

	if r.cache != nil {
		var cached Resolution
		if err := r.cache.Get(ctx, multiplierKey(tier, provider, model)).Scan(&cached); err == nil {
			return cached
		}
	}

	res := r.resolve(ctx, tier, provider, model)

	if r.cache != nil {
		if err := r.cache.Set(ctx, multiplierKey(tier, provider, model), &res, r.cacheTTL).Err(); err != nil {
			r.logger.Warn("multiplier cache write failed", zap.Error(err))
		}
	}

	return res
}

// resolve walks the cascade most specific first; first match wins.
func (r *Resolver) resolve(ctx context.Context, tier subscription.Tier, provider, model string) Resolution {
	lookups := []struct {
		scope    Scope
		provider string
		model    string
	}{
		{ScopeCombination, provider, model},
		{ScopeModel, "", model},
		{ScopeProvider, provider, ""},
		{ScopeTier, "", ""},
	}

	for _, l := range lookups {
		cfg, err := r.store.FindActive(ctx, l.scope, tier, l.provider, l.model)
		if err != nil {
			if !errors.Is(err, ErrConfigNotFound) {
				r.logger.Warn("pricing config lookup failed, continuing cascade",
					zap.String("scope", string(l.scope)), zap.Error(err))
			}
			continue
		}
		return Resolution{Multiplier: cfg.Multiplier, Scope: cfg.Scope, Tier: tier}
	}

	return Resolution{Multiplier: r.fallback, Scope: ScopeDefault, Tier: tier}
}

// Invalidate drops all cached multiplier resolutions. Admin writes to
// pricing configs call this so a changed rule takes effect immediately
// instead of after the TTL.
func (r *Resolver) Invalidate(ctx context.Context) {
	if r.cache == nil {
		return
	}

	iter := r.cache.Scan(ctx, 0, "policy:mult:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.cache.Del(ctx, iter.Val()).Err(); err != nil {
			r.logger.Warn("multiplier cache invalidation failed", zap.String("key", iter.Val()), zap.Error(err))
		}
	}
	if err := iter.Err(); err != nil {
		r.logger.Warn("multiplier cache scan failed", zap.Error(err))
	}
}
