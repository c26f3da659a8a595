package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CachedStore decorates a Store with a Redis cache of the current price
// record per provider/model pair. Cached entries carry a bounded TTL and are
// invalidated on SetPrice, so a stale price can outlive an admin change by
// at most the TTL on other replicas. Correctness never depends on the cache:
// a hit is only used when its validity window actually covers the requested
// instant, and every miss falls through to the store.
type CachedStore struct {
	Store

	cache  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedStore(store Store, cache *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedStore {
	return &CachedStore{Store: store, cache: cache, ttl: ttl, logger: logger}
}

func cacheKey(provider, model string) string {
	return fmt.Sprintf("pricing:current:%s:%s", provider, model)
}

func (s *CachedStore) ResolveAt(ctx context.Context, provider, model string, at time.Time) (*PriceRecord, error) {
	key := cacheKey(provider, model)

	var rec PriceRecord
	err := s.cache.Get(ctx, key).Scan(&rec)
	if err == nil && rec.Covers(at) {
		return &rec, nil
	}
	if err != nil && err != redis.Nil {
		s.logger.Warn("pricing cache read failed", zap.String("key", key), zap.Error(err))
	}

	resolved, err := s.Store.ResolveAt(ctx, provider, model, at)
	if err != nil {
		return nil, err
	}

	// Only the open-ended record is worth caching; historical windows are
	// point-in-time lookups and already cheap to serve from the store.
	if resolved.EffectiveUntil == nil {
		if err := s.cache.Set(ctx, key, resolved, s.ttl).Err(); err != nil {
			s.logger.Warn("pricing cache write failed", zap.String("key", key), zap.Error(err))
		}
	}

	return resolved, nil
}

func (s *CachedStore) SetPrice(ctx context.Context, rec *PriceRecord) error {
	if err := s.Store.SetPrice(ctx, rec); err != nil {
		return err
	}

	if err := s.cache.Del(ctx, cacheKey(rec.Provider, rec.Model)).Err(); err != nil {
		s.logger.Warn("pricing cache invalidation failed",
			zap.String("provider", rec.Provider),
			zap.String("model", rec.Model),
			zap.Error(err))
	}

	return nil
}
