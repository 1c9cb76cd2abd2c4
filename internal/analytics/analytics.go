// Package analytics summarizes the run log: per-layer outcomes, failure
// kinds, throughput and rule usage.
package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// LayerStat holds outcome and latency stats for one layer.
type LayerStat struct {
	Layer      int     `json:"layer"`
	Name       string  `json:"name"`
	Total      int     `json:"total"`
	Success    float64 `json:"success_pct"`
	Skipped    float64 `json:"skipped_pct"`
	Retried    float64 `json:"retried_pct"`
	AvgChanges float64 `json:"avg_changes"`
	P50Ms      float64 `json:"p50_ms"`
	P95Ms      float64 `json:"p95_ms"`
}

// QueryLayerStats returns outcome rates and duration percentiles per layer.
// Skipped results are excluded from the latency figures.
func QueryLayerStats(database DB, since string) ([]LayerStat, error) {
	query := `
		SELECT layer, name, success, skipped, attempts, duration_ms, change_count
		FROM layer_results
		WHERE 1 = 1`

	args := []interface{}{}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query layer stats: %w", err)
	}
	defer rows.Close()

	type layerInfo struct {
		name      string
		total     int
		successes int
		skipped   int
		retried   int
		changes   []float64
		durations []float64
	}
	byLayer := make(map[int]*layerInfo)
	for rows.Next() {
		var id, attempts, changes int
		var name string
		var success, skipped bool
		var durationMs int64
		if err := rows.Scan(&id, &name, &success, &skipped, &attempts, &durationMs, &changes); err != nil {
			return nil, fmt.Errorf("scan layer stat: %w", err)
		}
		info, ok := byLayer[id]
		if !ok {
			info = &layerInfo{name: name}
			byLayer[id] = info
		}
		info.total++
		if skipped {
			info.skipped++
			continue
		}
		if success {
			info.successes++
			info.changes = append(info.changes, float64(changes))
		}
		if attempts > 1 {
			info.retried++
		}
		info.durations = append(info.durations, float64(durationMs))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []LayerStat
	for id, info := range byLayer {
		sort.Float64s(info.durations)
		results = append(results, LayerStat{
			Layer:      id,
			Name:       info.name,
			Total:      info.total,
			Success:    pct(info.successes, info.total),
			Skipped:    pct(info.skipped, info.total),
			Retried:    pct(info.retried, info.total),
			AvgChanges: avg(info.changes),
			P50Ms:      percentile(info.durations, 50),
			P95Ms:      percentile(info.durations, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Layer < results[j].Layer
	})
	return results, nil
}

// FailureKind counts failures of one kind at one layer.
type FailureKind struct {
	Layer      int    `json:"layer"`
	Kind       string `json:"kind"`
	Count      int    `json:"count"`
	LastReason string `json:"last_reason,omitempty"`
}

// QueryFailureKinds returns failure counts grouped by layer and kind, most
// frequent first.
func QueryFailureKinds(database DB, since string) ([]FailureKind, error) {
	query := `
		SELECT lr.layer, lr.error_kind, COUNT(*) as cnt,
			(SELECT lr2.error_reason FROM layer_results lr2
			 WHERE lr2.layer = lr.layer AND lr2.error_kind = lr.error_kind
			 ORDER BY lr2.id DESC LIMIT 1) as last_reason
		FROM layer_results lr
		WHERE lr.error_kind IS NOT NULL`

	args := []interface{}{}
	if since != "" {
		query += ` AND lr.timestamp >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY lr.layer, lr.error_kind ORDER BY cnt DESC, lr.layer`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failure kinds: %w", err)
	}
	defer rows.Close()

	var results []FailureKind
	for rows.Next() {
		var fk FailureKind
		var reason sql.NullString
		if err := rows.Scan(&fk.Layer, &fk.Kind, &fk.Count, &reason); err != nil {
			return nil, fmt.Errorf("scan failure kind: %w", err)
		}
		if reason.Valid {
			fk.LastReason = reason.String
		}
		results = append(results, fk)
	}
	return results, rows.Err()
}

// RunThroughput holds run counts for one day.
type RunThroughput struct {
	Period        string  `json:"period"`
	Runs          int     `json:"runs"`
	Clean         int     `json:"clean"`
	Changed       int     `json:"changed"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// QueryRunThroughput returns run metrics grouped by day, newest first. A run
// is clean when every planned layer succeeded.
func QueryRunThroughput(database DB, since string) ([]RunThroughput, error) {
	query := `
		SELECT
			strftime('%Y-%m-%d', timestamp) as period,
			COUNT(*) as runs,
			SUM(CASE WHEN successful_stages = total_stages THEN 1 ELSE 0 END) as clean,
			SUM(CASE WHEN changed THEN 1 ELSE 0 END) as changed,
			AVG(duration_ms) as avg_ms
		FROM transform_runs
		WHERE 1 = 1`

	args := []interface{}{}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY period ORDER BY period DESC LIMIT 14`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query run throughput: %w", err)
	}
	defer rows.Close()

	var results []RunThroughput
	for rows.Next() {
		var rt RunThroughput
		var avgMs sql.NullFloat64
		if err := rows.Scan(&rt.Period, &rt.Runs, &rt.Clean, &rt.Changed, &avgMs); err != nil {
			return nil, fmt.Errorf("scan throughput: %w", err)
		}
		if avgMs.Valid {
			rt.AvgDurationMs = math.Round(avgMs.Float64*10) / 10
		}
		results = append(results, rt)
	}
	return results, rows.Err()
}

// RuleUsage holds application stats for one learned rule.
type RuleUsage struct {
	ID           string  `json:"id"`
	Layer        int     `json:"origin_layer"`
	Confidence   float64 `json:"confidence"`
	TimesSeen    int     `json:"times_seen"`
	Applications int     `json:"applications"`
	Pattern      string  `json:"pattern"`
}

// QueryTopRules returns the most applied rules. limit <= 0 means 10.
func QueryTopRules(database DB, limit int) ([]RuleUsage, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := database.Conn().Query(
		`SELECT id, origin_layer, confidence, times_seen, applications, source_pattern
		 FROM rules ORDER BY applications DESC, confidence DESC, id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query top rules: %w", err)
	}
	defer rows.Close()

	var results []RuleUsage
	for rows.Next() {
		var ru RuleUsage
		if err := rows.Scan(&ru.ID, &ru.Layer, &ru.Confidence, &ru.TimesSeen, &ru.Applications, &ru.Pattern); err != nil {
			return nil, fmt.Errorf("scan rule usage: %w", err)
		}
		ru.Confidence = math.Round(ru.Confidence*1000) / 1000
		results = append(results, ru)
	}
	return results, rows.Err()
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
