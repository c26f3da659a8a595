package pricing

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
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ResolveAt(ctx context.Context, provider, model string, at time.Time) (*PriceRecord, error) {
	query := `
		SELECT r.id, r.provider_id, p.name, r.model,
		       r.input_price_per_1k, r.output_price_per_1k, r.cached_input_price_per_1k,
		       r.effective_from, r.effective_until, r.created_at
		FROM vendor_pricing_records r
		JOIN providers p ON p.id = r.provider_id
		WHERE p.name = $1 AND r.model = $2
		  AND r.effective_from <= $3
		  AND (r.effective_until IS NULL OR r.effective_until > $3)
		ORDER BY r.effective_from DESC
		LIMIT 1
	`
	var rec PriceRecord
	err := s.db.QueryRow(ctx, query, provider, model, at).Scan(
		&rec.ID, &rec.ProviderID, &rec.Provider, &rec.Model,
		&rec.InputPer1K, &rec.OutputPer1K, &rec.CachedInputPer1K,
		&rec.EffectiveFrom, &rec.EffectiveUntil, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoPriceRecord
		}
		return nil, fmt.Errorf("failed to resolve pricing: %w", err)
	}

	return &rec, nil
}

func (s *PostgresStore) SetPrice(ctx context.Context, rec *PriceRecord) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin pricing transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var providerID string
	err = tx.QueryRow(ctx, `SELECT id FROM providers WHERE name = $1`, rec.Provider).Scan(&providerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrProviderNotFound
		}
		return fmt.Errorf("failed to look up provider: %w", err)
	}
	rec.ProviderID = providerID

	if rec.EffectiveFrom.IsZero() {
		rec.EffectiveFrom = time.Now().UTC()
	}

	var openFrom time.Time
	err = tx.QueryRow(ctx, `
		SELECT effective_from FROM vendor_pricing_records
		WHERE provider_id = $1 AND model = $2 AND effective_until IS NULL
		FOR UPDATE
	`, providerID, rec.Model).Scan(&openFrom)
	switch {
	case err == nil:
		if !rec.EffectiveFrom.After(openFrom) {
			return ErrStaleEffectiveFrom
		}
	case errors.Is(err, pgx.ErrNoRows):
		// first record for the pair
	default:
		return fmt.Errorf("failed to read current pricing record: %w", err)
	}

	// Close the current open-ended record, then open the new one. The pair
	// stays inside one transaction so readers never see two open records.
	closeQuery := `
		UPDATE vendor_pricing_records
		SET effective_until = $3
		WHERE provider_id = $1 AND model = $2 AND effective_until IS NULL
	`
	if _, err := tx.Exec(ctx, closeQuery, providerID, rec.Model, rec.EffectiveFrom); err != nil {
		return fmt.Errorf("failed to close current pricing record: %w", err)
	}

	insertQuery := `
		INSERT INTO vendor_pricing_records
			(provider_id, model, input_price_per_1k, output_price_per_1k, cached_input_price_per_1k, effective_from, effective_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	err = tx.QueryRow(ctx, insertQuery,
		providerID, rec.Model, rec.InputPer1K, rec.OutputPer1K,
		rec.CachedInputPer1K, rec.EffectiveFrom, rec.EffectiveUntil,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert pricing record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit pricing record: %w", err)
	}

	return nil
}

func (s *PostgresStore) History(ctx context.Context, provider, model string) ([]*PriceRecord, error) {
	query := `
		SELECT r.id, r.provider_id, p.name, r.model,
		       r.input_price_per_1k, r.output_price_per_1k, r.cached_input_price_per_1k,
		       r.effective_from, r.effective_until, r.created_at
		FROM vendor_pricing_records r
		JOIN providers p ON p.id = r.provider_id
		WHERE p.name = $1 AND r.model = $2
		ORDER BY r.effective_from DESC
	`
	rows, err := s.db.Query(ctx, query, provider, model)
	if err != nil {
		return nil, fmt.Errorf("failed to query pricing history: %w", err)
	}
	defer rows.Close()

	var records []*PriceRecord
	for rows.Next() {
		var rec PriceRecord
		err := rows.Scan(
			&rec.ID, &rec.ProviderID, &rec.Provider, &rec.Model,
			&rec.InputPer1K, &rec.OutputPer1K, &rec.CachedInputPer1K,
			&rec.EffectiveFrom, &rec.EffectiveUntil, &rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pricing record: %w", err)
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pricing records: %w", err)
	}

	return records, nil
}

func (s *PostgresStore) EnsureProvider(ctx context.Context, name, displayName string) (*Provider, error) {
	query := `
		INSERT INTO providers (name, display_name)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET display_name = providers.display_name
		RETURNING id, name, display_name, created_at
	`
	var p Provider
	err := s.db.QueryRow(ctx, query, name, displayName).Scan(&p.ID, &p.Name, &p.DisplayName, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure provider: %w", err)
	}

	return &p, nil
}
