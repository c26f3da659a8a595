package metering_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/credit-meter/internal/ledger"
	"github.com/vnmchuo/credit-meter/internal/metering"
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

type fixture struct {
	svc        *metering.Service
	ledger     *ledger.MemoryLedger
	usageStore *usage.MemoryStore
}

// newFixture wires the full pipeline over in-memory stores: gpt-4o at
// $0.02/1K input and output, no margin configs, default multiplier 1.5,
// $0.01 credits.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	priceStore := pricing.NewMemoryStore()
	_, err := priceStore.EnsureProvider(ctx, "openai", "OpenAI")
	require.NoError(t, err)
	err = priceStore.SetPrice(ctx, &pricing.PriceRecord{
		Provider:      "openai",
		Model:         "gpt-4o",
		InputPer1K:    dec("0.02"),
		OutputPer1K:   dec("0.02"),
		EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	calc := pricing.NewCalculator(priceStore)
	resolver := policy.NewResolver(
		policy.NewMemoryStore(),
		subscription.NewStaticSource(nil, subscription.TierFree),
		dec("1.5"),
		zap.NewNop(),
	)
	usageStore := usage.NewMemoryStore()
	recorder := usage.NewRecorder(calc, resolver, usageStore, dec("0.01"), zap.NewNop())
	memLedger := ledger.NewMemoryLedger()

	tracer := noop.NewTracerProvider().Tracer("test")
	svc := metering.NewService(calc, resolver, recorder, memLedger, zap.NewNop(), tracer)

	return &fixture{svc: svc, ledger: memLedger, usageStore: usageStore}
}

func (f *fixture) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := f.ledger.Grant(context.Background(), userID, amount)
	require.NoError(t, err)
}

const openAIResponse = `{"id":"chatcmpl-1","usage":{"prompt_tokens":1000,"completion_tokens":0,"total_tokens":1000}}`

func TestRecordAndDeduct_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "user-1", 1000)

	// 1000 input units * $0.02/1K = $0.02 vendor cost, * 1.5 = $0.03,
	// at $0.01 per credit -> 3 credits.
	receipt, err := f.svc.RecordAndDeduct(ctx, "user-1", "openai", "gpt-4o", []byte(openAIResponse), "req-1")
	require.NoError(t, err)
	require.Equal(t, int64(3), receipt.CreditsDeducted)
	require.Equal(t, int64(997), receipt.NewBalance)
	require.NotEmpty(t, receipt.UsageRecordID)
	require.NotEmpty(t, receipt.DeductionID)
	require.False(t, receipt.Replayed)
	require.Empty(t, receipt.Warning)

	deductions := f.ledger.Deductions("user-1")
	require.Len(t, deductions, 1)
	require.Equal(t, ledger.StatusApplied, deductions[0].Status)
}

func TestRecordAndDeduct_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "user-1", 1000)

	first, err := f.svc.RecordAndDeduct(ctx, "user-1", "openai", "gpt-4o", []byte(openAIResponse), "req-1")
	require.NoError(t, err)

	second, err := f.svc.RecordAndDeduct(ctx, "user-1", "openai", "gpt-4o", []byte(openAIResponse), "req-1")
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.UsageRecordID, second.UsageRecordID)
	require.Equal(t, first.CreditsDeducted, second.CreditsDeducted)
	require.Equal(t, first.NewBalance, second.NewBalance)

	// One usage record, one deduction, one balance change.
	require.Equal(t, 1, f.usageStore.RecordCount())
	require.Len(t, f.ledger.Deductions("user-1"), 1)
	balance, err := f.svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(997), balance)
}

func TestRecordAndDeduct_UnrecognizedShape(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "user-1", 1000)

	receipt, err := f.svc.RecordAndDeduct(ctx, "user-1", "openai", "gpt-4o",
		[]byte(`{"tokens":"many"}`), "req-odd")
	require.NoError(t, err)
	require.NotEmpty(t, receipt.Warning)
	require.Zero(t, receipt.CreditsDeducted)
	require.Equal(t, int64(1000), receipt.NewBalance)

	// Zero-usage record kept for audit, but no deduction.
	require.Equal(t, 1, f.usageStore.RecordCount())
	require.Empty(t, f.ledger.Deductions("user-1"))
}

func TestRecordAndDeduct_InsufficientCredits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "user-1", 2)

	_, err := f.svc.RecordAndDeduct(ctx, "user-1", "openai", "gpt-4o", []byte(openAIResponse), "req-1")
	require.ErrorIs(t, err, ledger.ErrInsufficientCredits)

	balance, err := f.svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), balance)
}

func TestRecordAndDeduct_NoPricingRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "user-1", 1000)

	_, err := f.svc.RecordAndDeduct(ctx, "user-1", "openai", "unpriced-model", []byte(openAIResponse), "req-1")
	require.ErrorIs(t, err, pricing.ErrNoPriceRecord)

	// Nothing recorded, nothing charged.
	require.Equal(t, 0, f.usageStore.RecordCount())
	balance, err := f.svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance)
}

func TestEstimateCost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// (500+500)/1000 * $0.02 = $0.02 * 1.5 = $0.03 -> 3 credits.
	credits, err := f.svc.EstimateCost(ctx, "user-1", "openai", "gpt-4o", 500, 500)
	require.NoError(t, err)
	require.Equal(t, int64(3), credits)

	_, err = f.svc.EstimateCost(ctx, "user-1", "openai", "unpriced-model", 100, 100)
	require.ErrorIs(t, err, pricing.ErrNoPriceRecord)
}

func TestReverseDeduction_RoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "user-1", 1000)

	receipt, err := f.svc.RecordAndDeduct(ctx, "user-1", "openai", "gpt-4o", []byte(openAIResponse), "req-1")
	require.NoError(t, err)

	err = f.svc.ReverseDeduction(ctx, receipt.DeductionID, "support@example.com", "billing dispute")
	require.NoError(t, err)

	balance, err := f.svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance)

	err = f.svc.ReverseDeduction(ctx, receipt.DeductionID, "support@example.com", "again")
	require.ErrorIs(t, err, ledger.ErrAlreadyReversed)
}

func TestValidateSufficient_Advisory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "user-1", 10)

	d, err := f.svc.ValidateSufficient(ctx, "user-1", 3)
	require.NoError(t, err)
	require.True(t, d.Sufficient)

	d, err = f.svc.ValidateSufficient(ctx, "user-1", 30)
	require.NoError(t, err)
	require.False(t, d.Sufficient)
	require.Equal(t, int64(20), d.Shortfall)
}
