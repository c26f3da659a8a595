package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/credit-meter/internal/subscription"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) FindActive(ctx context.Context, scope Scope, tier subscription.Tier, provider, model string) (*MarginConfig, error) {
	query := `
		SELECT c.id, c.scope, COALESCE(c.tier, ''), COALESCE(p.name, ''), COALESCE(c.model, ''),
		       c.multiplier, c.active, c.created_at, c.updated_at
		FROM pricing_configs c
		LEFT JOIN providers p ON p.id = c.provider_id
		WHERE c.active
		  AND c.scope = $1
		  AND COALESCE(c.tier, '') = $2
		  AND COALESCE(p.name, '') = $3
		  AND COALESCE(c.model, '') = $4
	`
	var cfg MarginConfig
	err := s.db.QueryRow(ctx, query, string(scope), string(tier), provider, model).Scan(
		&cfg.ID, &cfg.Scope, &cfg.Tier, &cfg.Provider, &cfg.Model,
		&cfg.Multiplier, &cfg.Active, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to find pricing config: %w", err)
	}

	return &cfg, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, cfg *MarginConfig) error {
	query := `
		INSERT INTO pricing_configs (scope, tier, provider_id, model, multiplier, active)
		VALUES (
			$1,
			NULLIF($2, ''),
			(SELECT id FROM providers WHERE name = NULLIF($3, '')),
			NULLIF($4, ''),
			$5,
			true
		)
		ON CONFLICT (scope, COALESCE(tier, ''), COALESCE(provider_id, '00000000-0000-0000-0000-000000000000'::uuid), COALESCE(model, '')) WHERE active
		DO UPDATE SET multiplier = EXCLUDED.multiplier, updated_at = now()
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRow(ctx, query,
		string(cfg.Scope), string(cfg.Tier), cfg.Provider, cfg.Model, cfg.Multiplier,
	).Scan(&cfg.ID, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert pricing config: %w", err)
	}
	cfg.Active = true

	return nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, id string) error {
	query := `UPDATE pricing_configs SET active = false, updated_at = now() WHERE id = $1 AND active`
	tag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate pricing config: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrConfigNotFound
	}

	return nil
}
