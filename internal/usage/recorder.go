package usage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vnmchuo/credit-meter/internal/policy"
	"github.com/vnmchuo/credit-meter/internal/pricing"
)

// Recorder converts parsed usage into credit cost and appends it to the
// usage ledger: vendor cost, margin multiplier, ceiling conversion to
// credits, the immutable usage record, and the daily rollup.
type Recorder struct {
	calc       *pricing.Calculator
	resolver   *policy.Resolver
	store      Store
	creditUnit decimal.Decimal // USD value of one credit
	logger     *zap.Logger
}

func NewRecorder(calc *pricing.Calculator, resolver *policy.Resolver, store Store, creditUnit decimal.Decimal, logger *zap.Logger) *Recorder {
	return &Recorder{
		calc:       calc,
		resolver:   resolver,
		store:      store,
		creditUnit: creditUnit,
		logger:     logger,
	}
}

// CreditCost converts a vendor cost and multiplier into whole credits.
// Rounding is always up: a request must never be served below vendor cost,
// so a fraction of a credit bills as a full credit.
func (r *Recorder) CreditCost(vendorCost, multiplier decimal.Decimal) int64 {
	return vendorCost.Mul(multiplier).Div(r.creditUnit).Ceil().IntPart()
}

// Record appends one usage record for a completed request and feeds the
// daily rollup. A requestID that was already recorded returns the original
// record with created=false; nothing is double-recorded.
func (r *Recorder) Record(ctx context.Context, userID, provider, model string, counts TokenCounts, requestID string) (*Record, bool, error) {
	bd, err := r.calc.VendorCost(ctx, provider, model, time.Time{}, counts.InputUnits, counts.OutputUnits, counts.CachedUnits)
	if err != nil {
		return nil, false, err
	}

	res := r.resolver.Multiplier(ctx, userID, provider, model)
	creditCost := r.CreditCost(bd.Total, res.Multiplier)

	rec := &Record{
		UserID:        userID,
		ProviderID:    bd.Record.ProviderID,
		Provider:      provider,
		Model:         model,
		InputUnits:    counts.InputUnits,
		OutputUnits:   counts.OutputUnits,
		CachedUnits:   counts.CachedUnits,
		VendorCostUSD: bd.Total,
		Multiplier:    res.Multiplier,
		CreditCost:    creditCost,
		RequestID:     requestID,
	}

	created, err := r.store.Insert(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	if !created {
		r.logger.Info("duplicate usage record ignored",
			zap.String("request_id", requestID),
			zap.String("user_id", userID))
		return rec, false, nil
	}

	if err := r.store.AddToDailySummary(ctx, userID, rec.CreatedAt, counts, creditCost); err != nil {
		// The usage record is already committed; a rollup failure must not
		// fail the request. Summaries are an aggregate convenience.
		r.logger.Error("daily summary upsert failed",
			zap.String("user_id", userID),
			zap.String("request_id", requestID),
			zap.Error(err))
	}

	return rec, true, nil
}
