package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter throttles metering API calls per API key. It is a thin wrapper
// around github.com/vnmchuo/ratelimiter backed by Redis, counting requests
// per minute.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultRPM int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(defaultRPM)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func (l *Limiter) Allow(ctx context.Context, keyID string) (bool, error) {
	key := fmt.Sprintf("ratelimit:key:%s", keyID)
	res, err := l.store.Allow(ctx, key)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, keyID string) (*extratelimit.Result, error) {
	key := fmt.Sprintf("ratelimit:key:%s", keyID)
	return l.store.Status(ctx, key)
}
