package policy

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/credit-meter/internal/subscription"
)

// Scope orders margin rules from most to least specific. Resolution walks
// the scopes in this order and the first active match wins.
type Scope string

const (
	ScopeCombination Scope = "combination" // tier + provider + model
	ScopeModel       Scope = "model"       // tier + model, any provider
	ScopeProvider    Scope = "provider"    // tier + provider, any model
	ScopeTier        Scope = "tier"        // tier only
	ScopeDefault     Scope = "default"     // built-in fallback, not stored
)

var (
	ErrConfigNotFound = errors.New("pricing config not found")
)

// MarginConfig is one margin-multiplier rule. Rules are deactivated rather
// than deleted so historical usage records stay explainable.
type MarginConfig struct {
	ID         string            `json:"id"`
	Scope      Scope             `json:"scope"`
	Tier       subscription.Tier `json:"tier,omitempty"`
	Provider   string            `json:"provider,omitempty"`
	Model      string            `json:"model,omitempty"`
	Multiplier decimal.Decimal   `json:"multiplier"`
	Active     bool              `json:"active"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

type Store interface {
	// FindActive returns the active config matching the exact scope key,
	// or ErrConfigNotFound.
	FindActive(ctx context.Context, scope Scope, tier subscription.Tier, provider, model string) (*MarginConfig, error)

	// Upsert creates the config, or updates the multiplier of the active
	// config with the same scope key.
	Upsert(ctx context.Context, cfg *MarginConfig) error

	// Deactivate retires a config by id. Returns ErrConfigNotFound for an
	// unknown or already inactive id.
	Deactivate(ctx context.Context, id string) error
}
