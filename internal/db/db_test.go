package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/lucasnoah/layerfix/internal/layer"
	"github.com/lucasnoah/layerfix/internal/orchestrator"
	"github.com/lucasnoah/layerfix/internal/pattern"
)

var (
	_ pattern.Persister      = (*DB)(nil)
	_ pattern.Persister      = (*PGRuleStore)(nil)
	_ orchestrator.RunLogger = (*DB)(nil)
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func testRule(id string) pattern.Rule {
	return pattern.Rule{
		ID:                id,
		Signature:         "sig-" + id,
		SourcePattern:     "useState([])",
		ReplacementAction: "useState<Item[]>([])",
		OriginLayer:       layer.Validation,
		Confidence:        0.5,
		TimesSeen:         2,
		TimesSucceeded:    1,
		Sources:           []string{"aaaa", "bbbb"},
		CreatedAt:         time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
	}
}

func testRecord(id string, at time.Time) orchestrator.RunRecord {
	return orchestrator.RunRecord{
		RunID: id,
		Plan:  layer.Plan{1, 2, 3},
		Results: []layer.Result{
			{Layer: 1, Name: "config", Success: true, Attempts: 1, DurationMs: 2, ChangeCount: 1},
			{Layer: 2, Name: "entities", Attempts: 2, DurationMs: 5,
				Error: layer.Errorf(layer.TransientFailure, 2, "timed out")},
			{Layer: 3, Name: "components", Skipped: true,
				Error: layer.Errorf(layer.StructuralFailure, 3, "prerequisite layer 2 did not succeed")},
		},
		SuccessfulStages: 1,
		TotalDurationMs:  9,
		InputDigest:      "0123456789abcdef",
		Changed:          true,
		AppliedRules:     []string{"r-1", "r-2"},
		CreatedAt:        at,
	}
}

func TestMigrate(t *testing.T) {
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// Verify all tables exist
	tables := []string{"schema_version", "rules", "transform_runs", "layer_results"}
	for _, table := range tables {
		var name string
		err := d.conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	var version int
	if err := d.conn.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("query schema_version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected schema version 1, got %d", version)
	}

	// Migrate again should be idempotent
	if err := d.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestReset(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	if err := d.Save(ctx, testRule("r-1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := d.LogRun(ctx, testRecord("run-1", time.Now())); err != nil {
		t.Fatalf("log run: %v", err)
	}

	if err := d.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}

	rules, err := d.Load(ctx)
	if err != nil {
		t.Fatalf("load after reset: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("expected no rules after reset, got %d", len(rules))
	}
	n, err := d.CountRuns()
	if err != nil {
		t.Fatalf("count runs: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no runs after reset, got %d", n)
	}
}

func TestSaveLoadRule(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	want := testRule("r-1")

	if err := d.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	rules, err := d.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	got := rules[0]
	if got.ID != want.ID || got.Signature != want.Signature {
		t.Errorf("identity = %s/%s, want %s/%s", got.ID, got.Signature, want.ID, want.Signature)
	}
	if got.SourcePattern != want.SourcePattern || got.ReplacementAction != want.ReplacementAction {
		t.Errorf("pattern = %q -> %q", got.SourcePattern, got.ReplacementAction)
	}
	if got.OriginLayer != layer.Validation {
		t.Errorf("OriginLayer = %d, want %d", got.OriginLayer, layer.Validation)
	}
	if got.Confidence != 0.5 || got.TimesSeen != 2 || got.TimesSucceeded != 1 {
		t.Errorf("counts = %v/%d/%d", got.Confidence, got.TimesSeen, got.TimesSucceeded)
	}
	if len(got.Sources) != 2 || got.Sources[1] != "bbbb" {
		t.Errorf("Sources = %v", got.Sources)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
	if !got.LastAppliedAt.IsZero() {
		t.Errorf("LastAppliedAt = %v, want zero", got.LastAppliedAt)
	}
}

func TestSaveRuleUpserts(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	r := testRule("r-1")

	if err := d.Save(ctx, r); err != nil {
		t.Fatalf("save: %v", err)
	}
	r.TimesSeen = 3
	r.TimesSucceeded = 3
	r.Confidence = 1
	r.Applications = 4
	r.LastAppliedAt = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	if err := d.Save(ctx, r); err != nil {
		t.Fatalf("second save: %v", err)
	}

	rules, err := d.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule after upsert, got %d", len(rules))
	}
	got := rules[0]
	if got.TimesSeen != 3 || got.Confidence != 1 || got.Applications != 4 {
		t.Errorf("rule not updated: %+v", got)
	}
	if !got.LastAppliedAt.Equal(r.LastAppliedAt) {
		t.Errorf("LastAppliedAt = %v, want %v", got.LastAppliedAt, r.LastAppliedAt)
	}
}

func TestSaveRuleIgnoresOlderCopy(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	older := testRule("r-1")
	newer := older
	newer.TimesSeen = 3
	newer.Applications = 2

	if err := d.Save(ctx, newer); err != nil {
		t.Fatalf("save newer: %v", err)
	}
	if err := d.Save(ctx, older); err != nil {
		t.Fatalf("save older: %v", err)
	}

	rules, err := d.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	if rules[0].TimesSeen != 3 || rules[0].Applications != 2 {
		t.Errorf("counters regressed: seen=%d applications=%d", rules[0].TimesSeen, rules[0].Applications)
	}
}

func TestClearRules(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	for _, id := range []string{"r-1", "r-2"} {
		if err := d.Save(ctx, testRule(id)); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	if err := d.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	rules, _ := d.Load(ctx)
	if len(rules) != 0 {
		t.Errorf("expected no rules, got %d", len(rules))
	}
}

func TestEngineRoundTrip(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	eng := pattern.NewEngine(pattern.DefaultConfig(), nil, d)
	trace := func(name string) []pattern.Step {
		return []pattern.Step{{
			Layer: layer.Validation,
			Pre:   "const [" + name + "] = useState([])",
			Post:  "const [" + name + "] = useState<Item[]>([])",
		}}
	}
	eng.Learn(trace("a"))
	eng.Learn(trace("b"))
	if err := eng.Close(); err != nil {
		t.Fatalf("close engine: %v", err)
	}

	reloaded := pattern.NewEngine(pattern.DefaultConfig(), nil, d)
	defer reloaded.Close()
	n, err := reloaded.Load(ctx)
	if err != nil {
		t.Fatalf("load engine: %v", err)
	}
	if n != 1 {
		t.Fatalf("loaded %d rules, want 1", n)
	}
	if got := reloaded.Rules()[0]; got.TimesSeen != 2 {
		t.Errorf("TimesSeen = %d, want 2", got.TimesSeen)
	}
}

func TestLogRun(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	if err := d.LogRun(ctx, testRecord("run-1", at)); err != nil {
		t.Fatalf("log run: %v", err)
	}

	run, err := d.GetRun("run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run == nil {
		t.Fatal("run not found")
	}
	if run.Plan.String() != "1,2,3" {
		t.Errorf("Plan = %s, want 1,2,3", run.Plan)
	}
	if run.SuccessfulStages != 1 || run.TotalStages != 3 {
		t.Errorf("stages = %d/%d, want 1/3", run.SuccessfulStages, run.TotalStages)
	}
	if !run.Changed {
		t.Error("Changed should be true")
	}
	if len(run.AppliedRules) != 2 || run.AppliedRules[0] != "r-1" {
		t.Errorf("AppliedRules = %v", run.AppliedRules)
	}
	if run.Timestamp != "2026-03-04 05:06:07" {
		t.Errorf("Timestamp = %q", run.Timestamp)
	}

	results, err := d.GetLayerResults("run-1")
	if err != nil {
		t.Fatalf("get layer results: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 layer results, got %d", len(results))
	}
	if !results[0].Success || results[0].ErrorKind != "" {
		t.Errorf("layer 1 = %+v", results[0])
	}
	if results[1].ErrorKind != "transient_failure" || results[1].Attempts != 2 {
		t.Errorf("layer 2 = %+v", results[1])
	}
	if !results[2].Skipped || results[2].ErrorKind != "structural_failure" {
		t.Errorf("layer 3 = %+v", results[2])
	}
}

func TestGetRunNotFound(t *testing.T) {
	d := testDB(t)
	run, err := d.GetRun("missing")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run != nil {
		t.Errorf("expected nil run, got %+v", run)
	}
}

func TestListRuns(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		if err := d.LogRun(ctx, testRecord(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("log %s: %v", id, err)
		}
	}

	runs, err := d.ListRuns(2)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Errorf("order = %s, %s; want run-c, run-b", runs[0].ID, runs[1].ID)
	}

	all, err := d.ListRuns(0)
	if err != nil {
		t.Fatalf("list all runs: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 runs, got %d", len(all))
	}
}

func TestPruneRuns(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := d.LogRun(ctx, testRecord("old", old)); err != nil {
		t.Fatalf("log old: %v", err)
	}
	if err := d.LogRun(ctx, testRecord("new", time.Now())); err != nil {
		t.Fatalf("log new: %v", err)
	}

	n, err := d.PruneRuns(old.Add(24 * time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	results, _ := d.GetLayerResults("old")
	if len(results) != 0 {
		t.Errorf("layer results of pruned run remain: %d", len(results))
	}
	if run, _ := d.GetRun("new"); run == nil {
		t.Error("recent run was pruned")
	}
}

func TestPGRuleStore(t *testing.T) {
	dsn := os.Getenv("LAYERFIX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LAYERFIX_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := OpenPG(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	r := testRule("r-1")
	if err := s.Save(ctx, r); err != nil {
		t.Fatalf("save: %v", err)
	}
	r.TimesSeen = 5
	if err := s.Save(ctx, r); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rules, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rules) != 1 || rules[0].TimesSeen != 5 || len(rules[0].Sources) != 2 {
		t.Errorf("rules = %+v", rules)
	}
	r.TimesSeen = 4
	if err := s.Save(ctx, r); err != nil {
		t.Fatalf("stale upsert: %v", err)
	}
	if rules, _ := s.Load(ctx); len(rules) != 1 || rules[0].TimesSeen != 5 {
		t.Errorf("stale copy overwrote rule: %+v", rules)
	}
	if n, _ := s.RuleCount(ctx); n != 1 {
		t.Errorf("RuleCount = %d, want 1", n)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := s.RuleCount(ctx); n != 0 {
		t.Errorf("RuleCount after clear = %d, want 0", n)
	}
}
