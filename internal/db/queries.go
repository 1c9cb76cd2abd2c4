package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/layerfix/internal/layer"
	"github.com/lucasnoah/layerfix/internal/orchestrator"
	"github.com/lucasnoah/layerfix/internal/pattern"
)

// timestampFormat matches SQLite's datetime('now').
const timestampFormat = "2006-01-02 15:04:05"

// Load returns every stored rule.
func (d *DB) Load(ctx context.Context) ([]pattern.Rule, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, signature, source_pattern, replacement, origin_layer, confidence,
		        times_seen, times_succeeded, applications, sources, created_at, last_applied_at
		 FROM rules ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	defer rows.Close()

	var rules []pattern.Rule
	for rows.Next() {
		var r pattern.Rule
		var origin int
		var sources, createdAt string
		var lastApplied sql.NullString
		if err := rows.Scan(&r.ID, &r.Signature, &r.SourcePattern, &r.ReplacementAction, &origin, &r.Confidence,
			&r.TimesSeen, &r.TimesSucceeded, &r.Applications, &sources, &createdAt, &lastApplied); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.OriginLayer = layer.ID(origin)
		if err := json.Unmarshal([]byte(sources), &r.Sources); err != nil {
			return nil, fmt.Errorf("decode sources of rule %s: %w", r.ID, err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if lastApplied.Valid {
			r.LastAppliedAt, _ = time.Parse(time.RFC3339Nano, lastApplied.String)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// Save inserts or replaces one rule.
func (d *DB) Save(ctx context.Context, r pattern.Rule) error {
	sources, err := json.Marshal(r.Sources)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	if r.Sources == nil {
		sources = []byte("[]")
	}
	var lastApplied *string
	if !r.LastAppliedAt.IsZero() {
		s := r.LastAppliedAt.UTC().Format(time.RFC3339Nano)
		lastApplied = &s
	}
	_, err = d.conn.ExecContext(ctx,
		`INSERT INTO rules (id, signature, source_pattern, replacement, origin_layer, confidence,
		                    times_seen, times_succeeded, applications, sources, created_at, last_applied_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		    confidence = excluded.confidence,
		    times_seen = excluded.times_seen,
		    times_succeeded = excluded.times_succeeded,
		    applications = excluded.applications,
		    sources = excluded.sources,
		    last_applied_at = excluded.last_applied_at,
		    updated_at = datetime('now')
		 WHERE excluded.times_seen >= rules.times_seen
		   AND excluded.applications >= rules.applications`,
		r.ID, r.Signature, r.SourcePattern, r.ReplacementAction, int(r.OriginLayer), r.Confidence,
		r.TimesSeen, r.TimesSucceeded, r.Applications, string(sources),
		r.CreatedAt.UTC().Format(time.RFC3339Nano), lastApplied,
	)
	if err != nil {
		return fmt.Errorf("save rule %s: %w", r.ID, err)
	}
	return nil
}

// Clear deletes every rule.
func (d *DB) Clear(ctx context.Context) error {
	if _, err := d.conn.ExecContext(ctx, `DELETE FROM rules`); err != nil {
		return fmt.Errorf("clear rules: %w", err)
	}
	return nil
}

// LogRun records a completed run and its per-layer results.
func (d *DB) LogRun(ctx context.Context, rec orchestrator.RunRecord) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := rec.CreatedAt.UTC().Format(timestampFormat)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO transform_runs (id, plan, successful_stages, total_stages, duration_ms, input_digest, changed, applied_rules, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Plan.String(), rec.SuccessfulStages, len(rec.Plan), rec.TotalDurationMs,
		rec.InputDigest, rec.Changed, strings.Join(rec.AppliedRules, ","), ts,
	)
	if err != nil {
		return fmt.Errorf("log run: %w", err)
	}

	for _, res := range rec.Results {
		var kind, reason *string
		if res.Error != nil {
			k := res.Error.Kind.String()
			r := res.Error.Error()
			kind, reason = &k, &r
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO layer_results (run_id, layer, name, success, skipped, attempts, duration_ms, change_count, error_kind, error_reason, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.RunID, int(res.Layer), res.Name, res.Success, res.Skipped, res.Attempts,
			res.DurationMs, res.ChangeCount, kind, reason, ts,
		)
		if err != nil {
			return fmt.Errorf("log layer result: %w", err)
		}
	}
	return tx.Commit()
}

// TransformRun represents a row in the transform_runs table.
type TransformRun struct {
	ID               string
	Plan             layer.Plan
	SuccessfulStages int
	TotalStages      int
	DurationMs       int64
	InputDigest      string
	Changed          bool
	AppliedRules     []string
	Timestamp        string
}

// LayerResult represents a row in the layer_results table.
type LayerResult struct {
	ID          int
	RunID       string
	Layer       layer.ID
	Name        string
	Success     bool
	Skipped     bool
	Attempts    int
	DurationMs  int64
	ChangeCount int
	ErrorKind   string
	ErrorReason string
	Timestamp   string
}

// ListRuns returns the most recent runs, newest first. limit <= 0 means all.
func (d *DB) ListRuns(limit int) ([]TransformRun, error) {
	query := `SELECT id, plan, successful_stages, total_stages, duration_ms, input_digest, changed, applied_rules, timestamp
		 FROM transform_runs ORDER BY timestamp DESC, rowid DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []TransformRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// GetRun returns one run, or nil if it does not exist.
func (d *DB) GetRun(id string) (*TransformRun, error) {
	row := d.conn.QueryRow(
		`SELECT id, plan, successful_stages, total_stages, duration_ms, input_digest, changed, applied_rules, timestamp
		 FROM transform_runs WHERE id = ?`,
		id,
	)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*TransformRun, error) {
	var r TransformRun
	var plan, applied string
	err := s.Scan(&r.ID, &plan, &r.SuccessfulStages, &r.TotalStages, &r.DurationMs, &r.InputDigest, &r.Changed, &applied, &r.Timestamp)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if plan != "" {
		ids, err := layer.ParseIDs([]string{plan})
		if err != nil {
			return nil, fmt.Errorf("parse plan of run %s: %w", r.ID, err)
		}
		r.Plan = layer.Plan(ids)
	}
	if applied != "" {
		r.AppliedRules = strings.Split(applied, ",")
	}
	return &r, nil
}

// GetLayerResults returns the layer results of a run in execution order.
func (d *DB) GetLayerResults(runID string) ([]LayerResult, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, layer, name, success, skipped, attempts, duration_ms, change_count, error_kind, error_reason, timestamp
		 FROM layer_results WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get layer results: %w", err)
	}
	defer rows.Close()

	var results []LayerResult
	for rows.Next() {
		var lr LayerResult
		var id int
		var kind, reason sql.NullString
		if err := rows.Scan(&lr.ID, &lr.RunID, &id, &lr.Name, &lr.Success, &lr.Skipped, &lr.Attempts,
			&lr.DurationMs, &lr.ChangeCount, &kind, &reason, &lr.Timestamp); err != nil {
			return nil, fmt.Errorf("scan layer result: %w", err)
		}
		lr.Layer = layer.ID(id)
		if kind.Valid {
			lr.ErrorKind = kind.String
		}
		if reason.Valid {
			lr.ErrorReason = reason.String
		}
		results = append(results, lr)
	}
	return results, rows.Err()
}

// CountRuns returns the number of logged runs.
func (d *DB) CountRuns() (int, error) {
	var n int
	if err := d.conn.QueryRow(`SELECT COUNT(*) FROM transform_runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// PruneRuns deletes runs logged before cutoff and returns how many were removed.
func (d *DB) PruneRuns(cutoff time.Time) (int64, error) {
	res, err := d.conn.Exec(`DELETE FROM transform_runs WHERE timestamp < ?`, cutoff.UTC().Format(timestampFormat))
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}
