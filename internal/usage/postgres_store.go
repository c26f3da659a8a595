package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) (bool, error) {
	query := `
		INSERT INTO usage_records
			(user_id, provider_id, model, input_units, output_units, cached_units,
			 vendor_cost_usd, multiplier, credit_cost, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		rec.UserID, rec.ProviderID, rec.Model,
		rec.InputUnits, rec.OutputUnits, rec.CachedUnits,
		rec.VendorCostUSD, rec.Multiplier, rec.CreditCost, rec.RequestID,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("failed to insert usage record: %w", err)
	}

	// Conflict: the correlation id was already recorded. Hand back the
	// original row so the retry is a no-op for the caller.
	existing, err := s.ByRequestID(ctx, rec.RequestID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, fmt.Errorf("usage record for request %s vanished after conflict", rec.RequestID)
	}
	*rec = *existing
	return false, nil
}

func (s *PostgresStore) ByRequestID(ctx context.Context, requestID string) (*Record, error) {
	query := `
		SELECT u.id, u.user_id, u.provider_id, p.name, u.model,
		       u.input_units, u.output_units, u.cached_units,
		       u.vendor_cost_usd, u.multiplier, u.credit_cost, u.request_id, u.created_at
		FROM usage_records u
		JOIN providers p ON p.id = u.provider_id
		WHERE u.request_id = $1
	`
	var rec Record
	err := s.db.QueryRow(ctx, query, requestID).Scan(
		&rec.ID, &rec.UserID, &rec.ProviderID, &rec.Provider, &rec.Model,
		&rec.InputUnits, &rec.OutputUnits, &rec.CachedUnits,
		&rec.VendorCostUSD, &rec.Multiplier, &rec.CreditCost, &rec.RequestID, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query usage record: %w", err)
	}

	return &rec, nil
}

func (s *PostgresStore) AddToDailySummary(ctx context.Context, userID string, day time.Time, counts TokenCounts, credits int64) error {
	query := `
		INSERT INTO daily_usage_summaries (user_id, usage_date, input_units, output_units, cached_units, credits)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, usage_date) DO UPDATE SET
			input_units  = daily_usage_summaries.input_units + EXCLUDED.input_units,
			output_units = daily_usage_summaries.output_units + EXCLUDED.output_units,
			cached_units = daily_usage_summaries.cached_units + EXCLUDED.cached_units,
			credits      = daily_usage_summaries.credits + EXCLUDED.credits
	`
	_, err := s.db.Exec(ctx, query,
		userID, day.UTC().Truncate(24*time.Hour),
		counts.InputUnits, counts.OutputUnits, counts.CachedUnits, credits,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert daily summary: %w", err)
	}

	return nil
}

func (s *PostgresStore) DailySummaries(ctx context.Context, userID string, from, to time.Time) ([]*DailySummary, error) {
	query := `
		SELECT user_id, usage_date, input_units, output_units, cached_units, credits
		FROM daily_usage_summaries
		WHERE user_id = $1 AND usage_date BETWEEN $2 AND $3
		ORDER BY usage_date DESC
	`
	rows, err := s.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily summaries: %w", err)
	}
	defer rows.Close()

	var summaries []*DailySummary
	for rows.Next() {
		var d DailySummary
		err := rows.Scan(&d.UserID, &d.Date, &d.InputUnits, &d.OutputUnits, &d.CachedUnits, &d.Credits)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily summary: %w", err)
		}
		summaries = append(summaries, &d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily summaries: %w", err)
	}

	return summaries, nil
}
