package metering

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/credit-meter/internal/ledger"
	"github.com/vnmchuo/credit-meter/internal/policy"
	"github.com/vnmchuo/credit-meter/internal/pricing"
	"github.com/vnmchuo/credit-meter/internal/usage"
)

// Receipt is the outcome of one metered request.
type Receipt struct {
	RequestID       string `json:"request_id"`
	UsageRecordID   string `json:"usage_record_id"`
	DeductionID     string `json:"deduction_id,omitempty"`
	CreditsDeducted int64  `json:"credits_deducted"`
	NewBalance      int64  `json:"new_balance"`
	Replayed        bool   `json:"replayed,omitempty"`
	Warning         string `json:"warning,omitempty"`
}

// Service composes the metering pipeline: parse the provider response,
// append the usage ledger entry, deduct credits. It is the single entry
// point collaborators consume.
type Service struct {
	calc     *pricing.Calculator
	resolver *policy.Resolver
	recorder *usage.Recorder
	ledger   ledger.Ledger
	logger   *zap.Logger
	tracer   trace.Tracer
}

func NewService(calc *pricing.Calculator, resolver *policy.Resolver, recorder *usage.Recorder, l ledger.Ledger, logger *zap.Logger, tracer trace.Tracer) *Service {
	return &Service{
		calc:     calc,
		resolver: resolver,
		recorder: recorder,
		ledger:   l,
		logger:   logger,
		tracer:   tracer,
	}
}

// EstimateCost prices a prospective request in credits. Advisory only: the
// actual charge is computed from reported usage after the provider call.
func (s *Service) EstimateCost(ctx context.Context, userID, provider, model string, inputUnits, estOutputUnits int64) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "metering.EstimateCost")
	defer span.End()

	bd, err := s.calc.VendorCost(ctx, provider, model, time.Time{}, inputUnits, estOutputUnits, 0)
	if err != nil {
		return 0, err
	}

	res := s.resolver.Multiplier(ctx, userID, provider, model)
	credits := s.recorder.CreditCost(bd.Total, res.Multiplier)

	span.SetAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.Int64("credits", credits),
	)
	return credits, nil
}

// RecordAndDeduct runs the post-call pipeline for a completed provider
// request: parse -> record -> deduct. Replays with a known request id
// return the original receipt without recording or charging again.
func (s *Service) RecordAndDeduct(ctx context.Context, userID, provider, model string, rawResponse []byte, requestID string) (*Receipt, error) {
	ctx, span := s.tracer.Start(ctx, "metering.RecordAndDeduct")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("request_id", requestID),
	)

	counts, ok := usage.ParseUsage(rawResponse)
	if !ok {
		// No usage means no charge; the zero-count record below keeps the
		// correlation id on file for investigation.
		s.logger.Warn("unrecognized provider usage shape",
			zap.String("provider", provider),
			zap.String("model", model),
			zap.String("request_id", requestID),
			zap.Int("payload_bytes", len(rawResponse)))
	}

	rec, created, err := s.recorder.Record(ctx, userID, provider, model, counts, requestID)
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{
		RequestID:       requestID,
		UsageRecordID:   rec.ID,
		CreditsDeducted: rec.CreditCost,
		Replayed:        !created,
	}
	if !ok {
		receipt.Warning = "unrecognized provider usage shape; no usage charged"
	}

	if rec.CreditCost == 0 {
		balance, err := s.ledger.Balance(ctx, userID)
		if err != nil {
			return nil, err
		}
		receipt.NewBalance = balance
		return receipt, nil
	}

	d, err := s.ledger.Deduct(ctx, userID, rec.CreditCost, requestID)
	if err != nil {
		return nil, err
	}

	receipt.DeductionID = d.ID
	receipt.NewBalance = d.BalanceAfter
	span.SetAttributes(attribute.Int64("credits", rec.CreditCost))

	return receipt, nil
}

func (s *Service) ValidateSufficient(ctx context.Context, userID string, required int64) (ledger.Decision, error) {
	return s.ledger.ValidateSufficient(ctx, userID, required)
}

func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	return s.ledger.Balance(ctx, userID)
}

func (s *Service) ReverseDeduction(ctx context.Context, deductionID, actor, reason string) error {
	ctx, span := s.tracer.Start(ctx, "metering.ReverseDeduction")
	defer span.End()
	span.SetAttributes(attribute.String("deduction_id", deductionID))

	if err := s.ledger.Reverse(ctx, deductionID, actor, reason); err != nil {
		return err
	}

	s.logger.Info("deduction reversed",
		zap.String("deduction_id", deductionID),
		zap.String("actor", actor),
		zap.String("reason", reason))
	return nil
}

func (s *Service) GrantCredits(ctx context.Context, userID string, amount int64) (int64, error) {
	return s.ledger.Grant(ctx, userID, amount)
}
