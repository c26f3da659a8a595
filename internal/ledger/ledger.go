package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusApplied  Status = "applied"
	StatusReversed Status = "reversed"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAlreadyReversed     = errors.New("deduction already reversed")
	ErrDeductionNotFound   = errors.New("deduction not found")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrAuditRequired       = errors.New("reversal requires an actor and a reason")
)

// InsufficientCreditsError reports a failed sufficiency check along with
// the balance and shortfall, so callers can suggest a top-up. It matches
// ErrInsufficientCredits under errors.Is.
type InsufficientCreditsError struct {
	Balance  int64
	Required int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %d, required %d", e.Balance, e.Required)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

func (e *InsufficientCreditsError) Shortfall() int64 {
	return e.Required - e.Balance
}

// Deduction is one balance mutation. Immutable once written, except for the
// single applied -> reversed status flip.
type Deduction struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Amount         int64      `json:"amount"`
	BalanceBefore  int64      `json:"balance_before"`
	BalanceAfter   int64      `json:"balance_after"`
	RequestID      string     `json:"request_id"`
	Status         Status     `json:"status"`
	ReversedBy     string     `json:"reversed_by,omitempty"`
	ReversedAt     *time.Time `json:"reversed_at,omitempty"`
	ReversalReason string     `json:"reversal_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Decision is the advisory outcome of a pre-flight sufficiency check. It
// may be stale by the time of the actual deduction, which re-validates
// inside its own atomic boundary.
type Decision struct {
	Sufficient bool  `json:"sufficient"`
	Balance    int64 `json:"balance"`
	Shortfall  int64 `json:"shortfall"`
}

// Ledger owns credit balances. Deduct and Reverse are the only operations
// that mutate a balance, and each is a single atomic read-check-write unit:
// for one user, concurrent deductions are linearizable, and two competing
// deductions that only fit alone resolve to exactly one success.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int64, error)

	ValidateSufficient(ctx context.Context, userID string, required int64) (Decision, error)

	// Deduct atomically debits amount from the user's balance and appends
	// the deduction record linked to requestID. A duplicate requestID is a
	// no-op returning the original deduction. Fails with an
	// *InsufficientCreditsError when the balance cannot cover amount.
	Deduct(ctx context.Context, userID string, amount int64, requestID string) (*Deduction, error)

	// Reverse flips a deduction to reversed and credits the amount back.
	// At most one reversal per deduction; actor and reason are mandatory
	// and stored for audit.
	Reverse(ctx context.Context, deductionID, actor, reason string) error

	// Grant credits amount to the user's balance (top-up) and returns the
	// new balance.
	Grant(ctx context.Context, userID string, amount int64) (int64, error)
}
