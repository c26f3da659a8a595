package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// PostgresLedger implements Ledger on a single Postgres database. Every
// mutation runs in a serializable transaction holding a FOR UPDATE lock on
// the one balance row it touches, so the read-check-write sequence for a
// user can never interleave with another deduction for the same user.
// Locks are scoped to one row and one transaction; nothing is held across
// network calls other than the database's own.
type PostgresLedger struct {
	db          DB
	lockTimeout time.Duration
}

func NewPostgresLedger(db DB, lockTimeout time.Duration) *PostgresLedger {
	return &PostgresLedger{db: db, lockTimeout: lockTimeout}
}

func (l *PostgresLedger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.db.QueryRow(ctx, `SELECT balance FROM credit_balances WHERE user_id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

func (l *PostgresLedger) ValidateSufficient(ctx context.Context, userID string, required int64) (Decision, error) {
	balance, err := l.Balance(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Sufficient: balance >= required, Balance: balance}
	if !d.Sufficient {
		d.Shortfall = required - balance
	}
	return d, nil
}

// begin opens a serializable transaction with a bounded lock wait. The
// timeout applies per statement inside this transaction only.
func (l *PostgresLedger) begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin ledger transaction: %w", err)
	}

	// SET LOCAL does not take bind parameters.
	setTimeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", l.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, setTimeout); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("failed to set lock timeout: %w", err)
	}

	return tx, nil
}

func (l *PostgresLedger) Deduct(ctx context.Context, userID string, amount int64, requestID string) (*Deduction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := l.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Replay check first: a retried correlation id must return the original
	// result even when the balance has since changed.
	if existing, err := scanDeductionByRequestID(ctx, tx, requestID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	// A user with no balance row yet simply has zero credits; create the
	// row so there is something to lock.
	_, err = tx.Exec(ctx,
		`INSERT INTO credit_balances (user_id, balance) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure balance row: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM credit_balances WHERE user_id = $1 FOR UPDATE`,
		userID).Scan(&balance)
	if err != nil {
		return nil, fmt.Errorf("failed to lock balance row: %w", err)
	}

	if balance < amount {
		return nil, &InsufficientCreditsError{Balance: balance, Required: amount}
	}

	_, err = tx.Exec(ctx,
		`UPDATE credit_balances SET balance = $2, updated_at = now() WHERE user_id = $1`,
		userID, balance-amount)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	d := &Deduction{
		UserID:        userID,
		Amount:        amount,
		BalanceBefore: balance,
		BalanceAfter:  balance - amount,
		RequestID:     requestID,
		Status:        StatusApplied,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO deduction_records (user_id, amount, balance_before, balance_after, request_id, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, d.UserID, d.Amount, d.BalanceBefore, d.BalanceAfter, d.RequestID, string(d.Status),
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		// A concurrent call with the same request id won the race; surface
		// its committed result instead of a failure.
		if isUniqueViolation(err) {
			_ = tx.Rollback(ctx)
			return l.deductionByRequestID(ctx, requestID)
		}
		return nil, fmt.Errorf("failed to insert deduction record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit deduction: %w", err)
	}

	return d, nil
}

func (l *PostgresLedger) Reverse(ctx context.Context, deductionID, actor, reason string) error {
	if actor == "" || reason == "" {
		return ErrAuditRequired
	}

	tx, err := l.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var (
		userID string
		amount int64
		status Status
	)
	err = tx.QueryRow(ctx,
		`SELECT user_id, amount, status FROM deduction_records WHERE id = $1 FOR UPDATE`,
		deductionID).Scan(&userID, &amount, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDeductionNotFound
		}
		return fmt.Errorf("failed to lock deduction record: %w", err)
	}

	if status == StatusReversed {
		return ErrAlreadyReversed
	}

	_, err = tx.Exec(ctx, `
		UPDATE deduction_records
		SET status = 'reversed', reversed_by = $2, reversed_at = now(), reversal_reason = $3
		WHERE id = $1
	`, deductionID, actor, reason)
	if err != nil {
		return fmt.Errorf("failed to mark deduction reversed: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE credit_balances SET balance = balance + $2, updated_at = now() WHERE user_id = $1
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit balance back: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reversal: %w", err)
	}

	return nil
}

func (l *PostgresLedger) Grant(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	var balance int64
	err := l.db.QueryRow(ctx, `
		INSERT INTO credit_balances (user_id, balance) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET balance = credit_balances.balance + $2, updated_at = now()
		RETURNING balance
	`, userID, amount).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to grant credits: %w", err)
	}

	return balance, nil
}

func (l *PostgresLedger) deductionByRequestID(ctx context.Context, requestID string) (*Deduction, error) {
	d, err := scanDeductionByRequestID(ctx, l.db, requestID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrDeductionNotFound
	}
	return d, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanDeductionByRequestID(ctx context.Context, q rowQuerier, requestID string) (*Deduction, error) {
	var d Deduction
	err := q.QueryRow(ctx, `
		SELECT id, user_id, amount, balance_before, balance_after, request_id,
		       status, COALESCE(reversed_by, ''), reversed_at, COALESCE(reversal_reason, ''), created_at
		FROM deduction_records
		WHERE request_id = $1
	`, requestID).Scan(
		&d.ID, &d.UserID, &d.Amount, &d.BalanceBefore, &d.BalanceAfter, &d.RequestID,
		&d.Status, &d.ReversedBy, &d.ReversedAt, &d.ReversalReason, &d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query deduction record: %w", err)
	}
	return &d, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
