package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger implements Ledger with a single mutex guarding all state,
// which makes every operation trivially linearizable. It backs tests,
// including the concurrency ones, and local runs without Postgres.
type MemoryLedger struct {
	mu         sync.Mutex
	balances   map[string]int64
	byID       map[string]*Deduction
	byRequest  map[string]*Deduction
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:  make(map[string]int64),
		byID:      make(map[string]*Deduction),
		byRequest: make(map[string]*Deduction),
	}
}

func (l *MemoryLedger) Balance(_ context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID], nil
}

func (l *MemoryLedger) ValidateSufficient(_ context.Context, userID string, required int64) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balances[userID]
	d := Decision{Sufficient: balance >= required, Balance: balance}
	if !d.Sufficient {
		d.Shortfall = required - balance
	}
	return d, nil
}

func (l *MemoryLedger) Deduct(_ context.Context, userID string, amount int64, requestID string) (*Deduction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Replay first, then sufficiency, same order as the Postgres ledger.
	if existing, ok := l.byRequest[requestID]; ok {
		cp := *existing
		return &cp, nil
	}

	balance := l.balances[userID]
	if balance < amount {
		return nil, &InsufficientCreditsError{Balance: balance, Required: amount}
	}

	d := &Deduction{
		ID:            uuid.New().String(),
		UserID:        userID,
		Amount:        amount,
		BalanceBefore: balance,
		BalanceAfter:  balance - amount,
		RequestID:     requestID,
		Status:        StatusApplied,
		CreatedAt:     time.Now().UTC(),
	}

	l.balances[userID] = d.BalanceAfter
	l.byID[d.ID] = d
	l.byRequest[requestID] = d

	cp := *d
	return &cp, nil
}

func (l *MemoryLedger) Reverse(_ context.Context, deductionID, actor, reason string) error {
	if actor == "" || reason == "" {
		return ErrAuditRequired
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.byID[deductionID]
	if !ok {
		return ErrDeductionNotFound
	}
	if d.Status == StatusReversed {
		return ErrAlreadyReversed
	}

	now := time.Now().UTC()
	d.Status = StatusReversed
	d.ReversedBy = actor
	d.ReversedAt = &now
	d.ReversalReason = reason
	l.balances[d.UserID] += d.Amount

	return nil
}

func (l *MemoryLedger) Grant(_ context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[userID] += amount
	return l.balances[userID], nil
}

// Deductions returns copies of all deductions for a user; test helper.
func (l *MemoryLedger) Deductions(userID string) []*Deduction {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*Deduction
	for _, d := range l.byID {
		if d.UserID == userID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out
}
