package pricing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CostBreakdown is the vendor-side USD cost of one request, split by
// billing component. All values are exact decimals.
type CostBreakdown struct {
	Input  decimal.Decimal
	Output decimal.Decimal
	Cached decimal.Decimal
	Total  decimal.Decimal

	// Record is the pricing record the computation used.
	Record *PriceRecord
}

// Calculator computes vendor cost from time-bounded pricing records.
type Calculator struct {
	store Store
}

func NewCalculator(store Store) *Calculator {
	return &Calculator{store: store}
}

var perPrice = decimal.NewFromInt(UnitsPerPrice)

// VendorCost computes the USD amount owed to the vendor for the given unit
// counts, priced by the record effective at the given instant. A zero at
// means now. Returns ErrNoPriceRecord when no window covers the instant;
// callers must treat that as fatal, never as zero cost.
func (c *Calculator) VendorCost(ctx context.Context, provider, model string, at time.Time, inputUnits, outputUnits, cachedUnits int64) (CostBreakdown, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	rec, err := c.store.ResolveAt(ctx, provider, model, at)
	if err != nil {
		return CostBreakdown{}, err
	}

	bd := CostBreakdown{Record: rec}
	bd.Input = rec.InputPer1K.Mul(decimal.NewFromInt(inputUnits)).Div(perPrice)
	bd.Output = rec.OutputPer1K.Mul(decimal.NewFromInt(outputUnits)).Div(perPrice)

	if cachedUnits > 0 {
		// Cached units bill at the discounted rate when the record carries
		// one, otherwise at the plain input rate.
		cachedPrice := rec.InputPer1K
		if rec.CachedInputPer1K.Valid {
			cachedPrice = rec.CachedInputPer1K.Decimal
		}
		bd.Cached = cachedPrice.Mul(decimal.NewFromInt(cachedUnits)).Div(perPrice)
	}

	bd.Total = bd.Input.Add(bd.Output).Add(bd.Cached)
	return bd, nil
}
