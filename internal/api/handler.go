package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vnmchuo/credit-meter/internal/auth"
	"github.com/vnmchuo/credit-meter/internal/ledger"
	"github.com/vnmchuo/credit-meter/internal/metering"
	"github.com/vnmchuo/credit-meter/internal/policy"
	"github.com/vnmchuo/credit-meter/internal/pricing"
	"github.com/vnmchuo/credit-meter/internal/subscription"
	"github.com/vnmchuo/credit-meter/internal/usage"
	"github.com/vnmchuo/credit-meter/pkg/ratelimit"
)

// MeteringService is the slice of the metering façade the handlers consume.
type MeteringService interface {
	EstimateCost(ctx context.Context, userID, provider, model string, inputUnits, estOutputUnits int64) (int64, error)
	RecordAndDeduct(ctx context.Context, userID, provider, model string, rawResponse []byte, requestID string) (*metering.Receipt, error)
	ValidateSufficient(ctx context.Context, userID string, required int64) (ledger.Decision, error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	ReverseDeduction(ctx context.Context, deductionID, actor, reason string) error
	GrantCredits(ctx context.Context, userID string, amount int64) (int64, error)
}

type Handler struct {
	svc        MeteringService
	prices     pricing.Store
	configs    policy.Store
	usageStore usage.Store
	limiter    *ratelimit.Limiter
	logger     *zap.Logger

	// invalidate drops cached multiplier resolutions after config writes.
	invalidate func(ctx context.Context)
}

func NewHandler(svc MeteringService, prices pricing.Store, configs policy.Store, usageStore usage.Store, limiter *ratelimit.Limiter, invalidate func(ctx context.Context), logger *zap.Logger) *Handler {
	if invalidate == nil {
		invalidate = func(context.Context) {}
	}
	return &Handler{
		svc:        svc,
		prices:     prices,
		configs:    configs,
		usageStore: usageStore,
		limiter:    limiter,
		invalidate: invalidate,
		logger:     logger,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// RateLimit throttles requests per authenticated API key.
func (h *Handler) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := auth.GetCaller(r.Context())
		if caller.KeyID != "" && h.limiter != nil {
			allowed, err := h.limiter.Allow(r.Context(), caller.KeyID)
			if err != nil {
				h.logger.Warn("rate limiter error", zap.Error(err))
			} else if !allowed {
				w.Header().Set("Retry-After", "60s")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type estimateRequest struct {
	UserID               string `json:"user_id"`
	Provider             string `json:"provider"`
	Model                string `json:"model"`
	InputUnits           int64  `json:"input_units"`
	EstimatedOutputUnits int64  `json:"estimated_output_units"`
}

func (h *Handler) HandleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Provider == "" || req.Model == "" {
		writeError(w, http.StatusBadRequest, "user_id, provider and model are required")
		return
	}

	credits, err := h.svc.EstimateCost(r.Context(), req.UserID, req.Provider, req.Model, req.InputUnits, req.EstimatedOutputUnits)
	if err != nil {
		if errors.Is(err, pricing.ErrNoPriceRecord) {
			writeError(w, http.StatusUnprocessableEntity, "no pricing for provider/model")
			return
		}
		h.logger.Error("estimate failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	decision, err := h.svc.ValidateSufficient(r.Context(), req.UserID, credits)
	if err != nil {
		h.logger.Error("sufficiency check failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"estimated_credits": credits,
		"sufficient":        decision.Sufficient,
		"balance":           decision.Balance,
		"shortfall":         decision.Shortfall,
	})
}

type recordUsageRequest struct {
	UserID           string          `json:"user_id"`
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	RequestID        string          `json:"request_id"`
	ProviderResponse json.RawMessage `json:"provider_response"`
}

func (h *Handler) HandleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var req recordUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Provider == "" || req.Model == "" || req.RequestID == "" {
		writeError(w, http.StatusBadRequest, "user_id, provider, model and request_id are required")
		return
	}

	receipt, err := h.svc.RecordAndDeduct(r.Context(), req.UserID, req.Provider, req.Model, req.ProviderResponse, req.RequestID)
	if err != nil {
		var ice *ledger.InsufficientCreditsError
		switch {
		case errors.As(err, &ice):
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":     "insufficient credits",
				"balance":   ice.Balance,
				"required":  ice.Required,
				"shortfall": ice.Shortfall(),
			})
		case errors.Is(err, pricing.ErrNoPriceRecord):
			writeError(w, http.StatusUnprocessableEntity, "no pricing for provider/model")
		default:
			h.logger.Error("record usage failed",
				zap.String("request_id", req.RequestID), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "usage recording failed, safe to retry")
		}
		return
	}

	writeJSON(w, http.StatusOK, receipt)
}

func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	balance, err := h.svc.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("balance lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": balance})
}

func (h *Handler) HandleDailyUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from date, expected YYYY-MM-DD")
			return
		}
		from = parsed
	}
	if v := r.URL.Query().Get("to"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to date, expected YYYY-MM-DD")
			return
		}
		to = parsed
	}

	summaries, err := h.usageStore.DailySummaries(r.Context(), userID, from, to)
	if err != nil {
		h.logger.Error("daily usage lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "days": summaries})
}

type setPriceRequest struct {
	Provider         string           `json:"provider"`
	Model            string           `json:"model"`
	InputPer1K       decimal.Decimal  `json:"input_price_per_1k"`
	OutputPer1K      decimal.Decimal  `json:"output_price_per_1k"`
	CachedInputPer1K *decimal.Decimal `json:"cached_input_price_per_1k,omitempty"`
	EffectiveFrom    *time.Time       `json:"effective_from,omitempty"`
}

func (h *Handler) HandleSetPrice(w http.ResponseWriter, r *http.Request) {
	var req setPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Provider == "" || req.Model == "" {
		writeError(w, http.StatusBadRequest, "provider and model are required")
		return
	}
	if req.InputPer1K.Sign() < 0 || req.OutputPer1K.Sign() < 0 {
		writeError(w, http.StatusBadRequest, "prices must not be negative")
		return
	}

	rec := &pricing.PriceRecord{
		Provider:    req.Provider,
		Model:       req.Model,
		InputPer1K:  req.InputPer1K,
		OutputPer1K: req.OutputPer1K,
	}
	if req.CachedInputPer1K != nil {
		rec.CachedInputPer1K = decimal.NewNullDecimal(*req.CachedInputPer1K)
	}
	if req.EffectiveFrom != nil {
		rec.EffectiveFrom = *req.EffectiveFrom
	}

	if err := h.prices.SetPrice(r.Context(), rec); err != nil {
		if errors.Is(err, pricing.ErrProviderNotFound) {
			writeError(w, http.StatusNotFound, "unknown provider")
			return
		}
		if errors.Is(err, pricing.ErrStaleEffectiveFrom) {
			writeError(w, http.StatusConflict, "effective_from must be later than the current record's start")
			return
		}
		h.logger.Error("set price failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

type upsertConfigRequest struct {
	Scope      policy.Scope    `json:"scope"`
	Tier       string          `json:"tier,omitempty"`
	Provider   string          `json:"provider,omitempty"`
	Model      string          `json:"model,omitempty"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

func (h *Handler) HandleUpsertConfig(w http.ResponseWriter, r *http.Request) {
	var req upsertConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Scope {
	case policy.ScopeCombination, policy.ScopeModel, policy.ScopeProvider, policy.ScopeTier:
	default:
		writeError(w, http.StatusBadRequest, "invalid scope")
		return
	}
	if req.Multiplier.LessThan(decimal.NewFromInt(1)) {
		writeError(w, http.StatusBadRequest, "multiplier must be >= 1.0")
		return
	}

	cfg := &policy.MarginConfig{
		Scope:      req.Scope,
		Tier:       subscription.Tier(req.Tier),
		Provider:   req.Provider,
		Model:      req.Model,
		Multiplier: req.Multiplier,
	}
	if err := h.configs.Upsert(r.Context(), cfg); err != nil {
		h.logger.Error("upsert pricing config failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.invalidate(r.Context())
	writeJSON(w, http.StatusCreated, cfg)
}

func (h *Handler) HandleDeactivateConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.configs.Deactivate(r.Context(), id); err != nil {
		if errors.Is(err, policy.ErrConfigNotFound) {
			writeError(w, http.StatusNotFound, "pricing config not found")
			return
		}
		h.logger.Error("deactivate pricing config failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.invalidate(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated", "id": id})
}

type reverseRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) HandleReverse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req reverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The audit actor is the authenticated admin key owner, never client input.
	actor := auth.GetCaller(r.Context()).Owner

	err := h.svc.ReverseDeduction(r.Context(), id, actor, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrAuditRequired):
			writeError(w, http.StatusBadRequest, "reason is required")
		case errors.Is(err, ledger.ErrDeductionNotFound):
			writeError(w, http.StatusNotFound, "deduction not found")
		case errors.Is(err, ledger.ErrAlreadyReversed):
			writeError(w, http.StatusConflict, "deduction already reversed")
		default:
			h.logger.Error("reversal failed", zap.String("deduction_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "reversed", "id": id})
}

type grantRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

func (h *Handler) HandleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	balance, err := h.svc.GrantCredits(r.Context(), req.UserID, req.Amount)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			writeError(w, http.StatusBadRequest, "amount must be positive")
			return
		}
		h.logger.Error("grant failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"user_id": req.UserID, "balance": balance})
}
