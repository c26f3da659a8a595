package usage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TokenCounts is the normalized usage of one inference request, after
// parsing whatever shape the provider reported.
type TokenCounts struct {
	InputUnits  int64 `json:"input_units"`
	OutputUnits int64 `json:"output_units"`
	CachedUnits int64 `json:"cached_units"`
}

func (c TokenCounts) Total() int64 {
	return c.InputUnits + c.OutputUnits + c.CachedUnits
}

// Record is one append-only usage ledger row. Rows are never updated or
// deleted after creation.
type Record struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	ProviderID    string          `json:"provider_id"`
	Provider      string          `json:"provider"`
	Model         string          `json:"model"`
	InputUnits    int64           `json:"input_units"`
	OutputUnits   int64           `json:"output_units"`
	CachedUnits   int64           `json:"cached_units"`
	VendorCostUSD decimal.Decimal `json:"vendor_cost_usd"`
	Multiplier    decimal.Decimal `json:"multiplier"`
	CreditCost    int64           `json:"credit_cost"`
	RequestID     string          `json:"request_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// DailySummary is one per-user per-day rollup, upserted additively.
type DailySummary struct {
	UserID      string    `json:"user_id"`
	Date        time.Time `json:"date"`
	InputUnits  int64     `json:"input_units"`
	OutputUnits int64     `json:"output_units"`
	CachedUnits int64     `json:"cached_units"`
	Credits     int64     `json:"credits"`
}

type Store interface {
	// Insert appends the record. When the request id was already recorded,
	// Insert fills rec with the existing row and reports created=false so
	// retried calls cannot double-record.
	Insert(ctx context.Context, rec *Record) (created bool, err error)

	// ByRequestID returns the record for a correlation id, or nil.
	ByRequestID(ctx context.Context, requestID string) (*Record, error)

	// AddToDailySummary adds the counts and credits to the (user, day)
	// rollup, creating it on first usage of the day.
	AddToDailySummary(ctx context.Context, userID string, day time.Time, counts TokenCounts, credits int64) error

	// DailySummaries returns rollups for the user between from and to inclusive.
	DailySummaries(ctx context.Context, userID string, from, to time.Time) ([]*DailySummary, error)
}
