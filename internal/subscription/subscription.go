package subscription

import (
	"context"
	"errors"
)

// Tier is a user's subscription plan, owned by the external subscription
// service. The credit meter only reads it to scope margin rules.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

var ErrUnavailable = errors.New("subscription service unavailable")

type TierSource interface {
	CurrentTier(ctx context.Context, userID string) (Tier, error)
}

// StaticSource serves tiers from a fixed map, falling back to a default.
// It backs tests and deployments without a subscription service.
type StaticSource struct {
	tiers    map[string]Tier
	fallback Tier
}

func NewStaticSource(tiers map[string]Tier, fallback Tier) *StaticSource {
	if tiers == nil {
		tiers = make(map[string]Tier)
	}
	return &StaticSource{tiers: tiers, fallback: fallback}
}

func (s *StaticSource) CurrentTier(_ context.Context, userID string) (Tier, error) {
	if tier, ok := s.tiers[userID]; ok {
		return tier, nil
	}
	return s.fallback, nil
}
