package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Prices are expressed in USD per 1000 units.
const UnitsPerPrice = 1000

var (
	ErrNoPriceRecord    = errors.New("no pricing record covers the requested instant")
	ErrProviderNotFound = errors.New("provider not found")

	// ErrStaleEffectiveFrom rejects a SetPrice whose effective_from does not
	// advance past the open record's start; closing the open record at that
	// instant would invert its validity window.
	ErrStaleEffectiveFrom = errors.New("effective_from does not advance past the current pricing record")
)

type Provider struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// PriceRecord is one time-bounded price entry for a provider/model pair.
// Records are never edited in place: an admin price change closes the open
// window and inserts a new record, so point-in-time cost recomputation
// always finds the record that was live when a request actually ran.
type PriceRecord struct {
	ID               string              `json:"id"`
	ProviderID       string              `json:"provider_id"`
	Provider         string              `json:"provider"`
	Model            string              `json:"model"`
	InputPer1K       decimal.Decimal     `json:"input_price_per_1k"`
	OutputPer1K      decimal.Decimal     `json:"output_price_per_1k"`
	CachedInputPer1K decimal.NullDecimal `json:"cached_input_price_per_1k"`
	EffectiveFrom    time.Time           `json:"effective_from"`
	EffectiveUntil   *time.Time          `json:"effective_until,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
}

// Covers reports whether the record's validity window contains at.
func (r *PriceRecord) Covers(at time.Time) bool {
	if at.Before(r.EffectiveFrom) {
		return false
	}
	return r.EffectiveUntil == nil || at.Before(*r.EffectiveUntil)
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (r *PriceRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (r *PriceRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}

type Store interface {
	// ResolveAt returns the record whose validity window contains at,
	// or ErrNoPriceRecord when none does.
	ResolveAt(ctx context.Context, provider, model string, at time.Time) (*PriceRecord, error)

	// SetPrice closes the current open-ended record for the pair (if any)
	// and opens rec as the new current record, atomically.
	SetPrice(ctx context.Context, rec *PriceRecord) error

	// History returns all records for the pair, newest first.
	History(ctx context.Context, provider, model string) ([]*PriceRecord, error)

	// EnsureProvider creates the provider if it does not exist yet.
	EnsureProvider(ctx context.Context, name, displayName string) (*Provider, error)
}
