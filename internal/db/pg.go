package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lucasnoah/layerfix/internal/layer"
	"github.com/lucasnoah/layerfix/internal/pattern"
)

// PGRuleStore persists rules in Postgres so several layerfix processes can
// share what they learn.
type PGRuleStore struct {
	pool *pgxpool.Pool
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS layerfix_rules (
    id              TEXT PRIMARY KEY,
    signature       TEXT NOT NULL UNIQUE,
    source_pattern  TEXT NOT NULL,
    replacement     TEXT NOT NULL,
    origin_layer    INTEGER NOT NULL,
    confidence      DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
    times_seen      INTEGER NOT NULL,
    times_succeeded INTEGER NOT NULL,
    applications    INTEGER NOT NULL DEFAULT 0,
    sources         TEXT[] NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ NOT NULL,
    last_applied_at TIMESTAMPTZ,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// OpenPG connects to dsn.
func OpenPG(ctx context.Context, dsn string) (*PGRuleStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PGRuleStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PGRuleStore) Close() {
	s.pool.Close()
}

// Migrate creates the rules table.
func (s *PGRuleStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// Reset drops the rules table and re-creates it.
func (s *PGRuleStore) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS layerfix_rules`); err != nil {
		return fmt.Errorf("drop layerfix_rules: %w", err)
	}
	return s.Migrate(ctx)
}

func (s *PGRuleStore) Load(ctx context.Context) ([]pattern.Rule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, signature, source_pattern, replacement, origin_layer, confidence,
		        times_seen, times_succeeded, applications, sources, created_at, last_applied_at
		 FROM layerfix_rules ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	rules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pattern.Rule, error) {
		var r pattern.Rule
		var origin int32
		var lastApplied *time.Time
		err := row.Scan(&r.ID, &r.Signature, &r.SourcePattern, &r.ReplacementAction, &origin, &r.Confidence,
			&r.TimesSeen, &r.TimesSucceeded, &r.Applications, &r.Sources, &r.CreatedAt, &lastApplied)
		r.OriginLayer = layer.ID(origin)
		if lastApplied != nil {
			r.LastAppliedAt = *lastApplied
		}
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan rules: %w", err)
	}
	return rules, nil
}

func (s *PGRuleStore) Save(ctx context.Context, r pattern.Rule) error {
	var lastApplied *time.Time
	if !r.LastAppliedAt.IsZero() {
		lastApplied = &r.LastAppliedAt
	}
	sources := r.Sources
	if sources == nil {
		sources = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO layerfix_rules (id, signature, source_pattern, replacement, origin_layer, confidence,
		                             times_seen, times_succeeded, applications, sources, created_at, last_applied_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		    confidence = EXCLUDED.confidence,
		    times_seen = EXCLUDED.times_seen,
		    times_succeeded = EXCLUDED.times_succeeded,
		    applications = EXCLUDED.applications,
		    sources = EXCLUDED.sources,
		    last_applied_at = EXCLUDED.last_applied_at,
		    updated_at = now()
		 WHERE EXCLUDED.times_seen >= layerfix_rules.times_seen
		   AND EXCLUDED.applications >= layerfix_rules.applications`,
		r.ID, r.Signature, r.SourcePattern, r.ReplacementAction, int32(r.OriginLayer), r.Confidence,
		r.TimesSeen, r.TimesSucceeded, r.Applications, sources, r.CreatedAt, lastApplied,
	)
	if err != nil {
		return fmt.Errorf("save rule %s: %w", r.ID, err)
	}
	return nil
}

func (s *PGRuleStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM layerfix_rules`); err != nil {
		return fmt.Errorf("clear rules: %w", err)
	}
	return nil
}

// RuleCount returns how many rules are stored.
func (s *PGRuleStore) RuleCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM layerfix_rules`).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count rules: %w", err)
	}
	return n, nil
}
