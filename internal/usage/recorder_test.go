package usage_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vnmchuo/credit-meter/internal/policy"
	"github.com/vnmchuo/credit-meter/internal/pricing"
	"github.com/vnmchuo/credit-meter/internal/subscription"
	"github.com/vnmchuo/credit-meter/internal/usage"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// newRecorder wires a recorder over in-memory stores with the given
// input price per 1K units and default multiplier.
func newRecorder(t *testing.T, inputPer1K, fallbackMult string) (*usage.Recorder, *usage.MemoryStore) {
	t.Helper()
	ctx := context.Background()

	priceStore := pricing.NewMemoryStore()
	_, err := priceStore.EnsureProvider(ctx, "openai", "OpenAI")
	require.NoError(t, err)
	err = priceStore.SetPrice(ctx, &pricing.PriceRecord{
		Provider:      "openai",
		Model:         "gpt-4o",
		InputPer1K:    dec(inputPer1K),
		OutputPer1K:   dec(inputPer1K),
		EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	resolver := policy.NewResolver(
		policy.NewMemoryStore(),
		subscription.NewStaticSource(nil, subscription.TierFree),
		dec(fallbackMult),
		zap.NewNop(),
	)

	store := usage.NewMemoryStore()
	rec := usage.NewRecorder(pricing.NewCalculator(priceStore), resolver, store, dec("0.01"), zap.NewNop())
	return rec, store
}

func TestRecorder_CeilingRounding(t *testing.T) {
	// Vendor cost $0.00345 at multiplier 1.0 with $0.01 credits must bill
	// exactly 1 credit: always up, never floor or nearest.
	rec, _ := newRecorder(t, "0.00345", "1.0")

	record, created, err := rec.Record(context.Background(), "user-1", "openai", "gpt-4o",
		usage.TokenCounts{InputUnits: 1000}, "req-round")
	require.NoError(t, err)
	require.True(t, created)
	require.True(t, record.VendorCostUSD.Equal(dec("0.00345")))
	require.Equal(t, int64(1), record.CreditCost)
}

func TestRecorder_MarginScenario(t *testing.T) {
	// Vendor cost $0.02, multiplier 1.5 -> ceil(0.03 / 0.01) = 3 credits.
	rec, _ := newRecorder(t, "0.02", "1.5")

	record, created, err := rec.Record(context.Background(), "user-1", "openai", "gpt-4o",
		usage.TokenCounts{InputUnits: 1000}, "req-margin")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(3), record.CreditCost)
	require.True(t, record.Multiplier.Equal(dec("1.5")))
}

func TestRecorder_ZeroUsageCostsNothing(t *testing.T) {
	rec, _ := newRecorder(t, "0.02", "1.5")

	record, created, err := rec.Record(context.Background(), "user-1", "openai", "gpt-4o",
		usage.TokenCounts{}, "req-zero")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(0), record.CreditCost)
}

func TestRecorder_DuplicateRequestIsNoOp(t *testing.T) {
	ctx := context.Background()
	rec, store := newRecorder(t, "0.02", "1.5")

	first, created, err := rec.Record(ctx, "user-1", "openai", "gpt-4o",
		usage.TokenCounts{InputUnits: 1000}, "req-dup")
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := rec.Record(ctx, "user-1", "openai", "gpt-4o",
		usage.TokenCounts{InputUnits: 1000}, "req-dup")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, store.RecordCount())

	// The replay must not inflate the daily rollup either.
	sums, err := store.DailySummaries(ctx, "user-1", first.CreatedAt.Add(-time.Hour), first.CreatedAt.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, sums, 1)
	require.Equal(t, int64(1000), sums[0].InputUnits)
	require.Equal(t, first.CreditCost, sums[0].Credits)
}

func TestRecorder_MissingPricingIsFatal(t *testing.T) {
	rec, store := newRecorder(t, "0.02", "1.5")

	_, _, err := rec.Record(context.Background(), "user-1", "openai", "unknown-model",
		usage.TokenCounts{InputUnits: 10}, "req-nopricing")
	require.ErrorIs(t, err, pricing.ErrNoPriceRecord)
	require.Equal(t, 0, store.RecordCount())
}

func TestRecorder_DailySummaryAccumulates(t *testing.T) {
	ctx := context.Background()
	rec, store := newRecorder(t, "0.02", "1.5")

	_, _, err := rec.Record(ctx, "user-1", "openai", "gpt-4o",
		usage.TokenCounts{InputUnits: 1000, OutputUnits: 200}, "req-a")
	require.NoError(t, err)
	_, _, err = rec.Record(ctx, "user-1", "openai", "gpt-4o",
		usage.TokenCounts{InputUnits: 500, CachedUnits: 100}, "req-b")
	require.NoError(t, err)

	now := time.Now().UTC()
	sums, err := store.DailySummaries(ctx, "user-1", now.Add(-24*time.Hour), now.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, sums, 1)
	require.Equal(t, int64(1500), sums[0].InputUnits)
	require.Equal(t, int64(200), sums[0].OutputUnits)
	require.Equal(t, int64(100), sums[0].CachedUnits)
}
