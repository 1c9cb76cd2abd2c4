package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/layerfix/internal/cache"
	"github.com/lucasnoah/layerfix/internal/layer"
	"github.com/lucasnoah/layerfix/internal/pattern"
	"github.com/lucasnoah/layerfix/internal/recovery"
)

// Report is the outcome of one Transform call. Callers must treat it as
// read-only; cache hits hand out copies.
type Report struct {
	RunID            string                `json:"run_id"`
	Plan             layer.Plan            `json:"plan"`
	Results          []layer.Result        `json:"results"`
	SuccessfulStages int                   `json:"successful_stages"`
	TotalDurationMs  int64                 `json:"total_duration_ms"`
	FinalCode        string                `json:"final_code"`
	AppliedRules     []string              `json:"applied_rules,omitempty"`
	Learned          *pattern.LearnSummary `json:"learned,omitempty"`
	Completed        bool                  `json:"completed"`

	// set only on cached copies so a hit can learn and record like a fresh run
	trace   []pattern.Step
	applied *pattern.ApplyResult
}

// Clone returns a deep copy.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	c := *r
	c.Plan = append(layer.Plan(nil), r.Plan...)
	c.Results = make([]layer.Result, len(r.Results))
	for i, res := range r.Results {
		c.Results[i] = res.Clone()
	}
	c.AppliedRules = append([]string(nil), r.AppliedRules...)
	if r.Learned != nil {
		l := *r.Learned
		c.Learned = &l
	}
	return &c
}

// Changed reports whether the final code differs from input.
func (r *Report) Changed(input string) bool {
	return r.FinalCode != input
}

// RunRecord is what gets written to the run log.
type RunRecord struct {
	RunID            string         `json:"run_id"`
	Plan             layer.Plan     `json:"plan"`
	Results          []layer.Result `json:"results"`
	SuccessfulStages int            `json:"successful_stages"`
	TotalDurationMs  int64          `json:"total_duration_ms"`
	InputDigest      string         `json:"input_digest"`
	Changed          bool           `json:"changed"`
	AppliedRules     []string       `json:"applied_rules,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// RunLogger persists completed runs.
type RunLogger interface {
	LogRun(ctx context.Context, rec RunRecord) error
}

// Orchestrator drives code through the resolved plan.
type Orchestrator struct {
	layers   *layer.Set
	coord    *recovery.Coordinator
	patterns *pattern.Engine
	reports  *cache.LRU[*Report]
	runLog   RunLogger
	learning bool
	progress io.Writer
	newID    func() string
}

// NewOrchestrator creates an Orchestrator. patterns supplies stage 7 and
// receives learning traces; reports may be nil to disable caching.
func NewOrchestrator(
	layers *layer.Set,
	coord *recovery.Coordinator,
	patterns *pattern.Engine,
	reports *cache.LRU[*Report],
) *Orchestrator {
	if layers == nil {
		layers = &layer.Set{}
	}
	if coord == nil {
		coord = recovery.NewCoordinator(nil)
	}
	return &Orchestrator{
		layers:   layers,
		coord:    coord,
		patterns: patterns,
		reports:  reports,
		learning: patterns != nil,
		newID:    uuid.NewString,
	}
}

// SetRunLogger sets where completed runs are recorded.
func (o *Orchestrator) SetRunLogger(l RunLogger) {
	o.runLog = l
}

// SetLearning turns learning from completed runs on or off.
func (o *Orchestrator) SetLearning(enabled bool) {
	o.learning = enabled && o.patterns != nil
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (o *Orchestrator) SetProgress(w io.Writer) {
	o.progress = w
}

func (o *Orchestrator) logf(format string, args ...interface{}) {
	if o.progress != nil {
		fmt.Fprintf(o.progress, "  → "+format+"\n", args...)
	}
}

// Patterns returns the pattern engine, or nil.
func (o *Orchestrator) Patterns() *pattern.Engine {
	return o.patterns
}

// ClearCache drops every cached report.
func (o *Orchestrator) ClearCache() {
	if o.reports != nil {
		o.reports.Clear()
	}
}

// CacheStats reports cache hits and misses; zero when caching is off.
func (o *Orchestrator) CacheStats() (hits, misses uint64) {
	if o.reports == nil {
		return 0, 0
	}
	return o.reports.Stats()
}

// Transform runs code through the plan resolved from requested.
//
// Only UnknownStage, FatalFailure and context errors are returned; every
// other stage failure is recorded in the report. On a returned error other
// than UnknownStage the partial report is returned too, and nothing is
// learned, cached or logged.
func (o *Orchestrator) Transform(ctx context.Context, code string, requested []layer.ID, opts layer.Options) (*Report, error) {
	plan, err := layer.Resolve(append([]layer.ID(nil), requested...))
	if err != nil {
		return nil, err
	}

	fp := ""
	if o.reports != nil {
		fp = o.fingerprint(code, plan, opts)
		if cached, ok := o.reports.Get(fp); ok {
			o.logf("plan %s: cache hit", plan)
			return o.replay(cached, plan), nil
		}
	}

	start := time.Now()
	rep := &Report{RunID: o.newID(), Plan: plan, FinalCode: code}
	var trace []pattern.Step
	var applied *pattern.ApplyResult
	current := code
	succeeded := make(map[layer.ID]bool, len(plan))
	o.logf("run %s: plan %s", rep.RunID, plan)

	for _, id := range plan {
		if err := ctx.Err(); err != nil {
			rep.TotalDurationMs = time.Since(start).Milliseconds()
			return rep, fmt.Errorf("transform cancelled before layer %d: %w", id, err)
		}

		l, capture := o.stage(id)
		if missing, ok := unmet(l.Prerequisites, succeeded); !ok {
			o.logf("layer %d (%s): skipped, prerequisite layer %d did not succeed", id, l.Name, missing)
			rep.Results = append(rep.Results, layer.Result{
				Layer:   id,
				Name:    l.Name,
				Skipped: true,
				Error:   layer.Errorf(layer.StructuralFailure, id, "prerequisite layer %d did not succeed", missing),
			})
			continue
		}

		out := o.coord.Run(ctx, l, current, opts)
		rep.Results = append(rep.Results, out.Result)

		if out.Result.Success {
			succeeded[id] = true
			rep.SuccessfulStages++
			if id <= layer.Validation {
				trace = append(trace, pattern.Step{Layer: id, Pre: current, Post: out.Code})
			}
			if res, ok := capture.accepted(out.Code); ok {
				rep.AppliedRules = append([]string(nil), res.AppliedRuleIDs...)
				applied = &res
				if !opts.DryRun {
					o.patterns.Record(res)
				}
			}
			current = out.Code
		}
		rep.FinalCode = current

		if out.Action == recovery.Abort {
			rep.TotalDurationMs = time.Since(start).Milliseconds()
			o.logf("run %s: aborted at layer %d", rep.RunID, id)
			return rep, out.Err
		}
	}

	rep.TotalDurationMs = time.Since(start).Milliseconds()
	if err := ctx.Err(); err != nil {
		return rep, fmt.Errorf("transform cancelled: %w", err)
	}
	rep.Completed = true
	o.logf("run %s: %d/%d layer(s) succeeded in %dms", rep.RunID, rep.SuccessfulStages, len(plan), rep.TotalDurationMs)

	if opts.DryRun {
		return rep, nil
	}

	if o.learning && plan.ContainsAll(layer.DefaultIDs) {
		sum := o.patterns.Learn(trace)
		rep.Learned = &sum
	}
	if o.reports != nil {
		stored := rep.Clone()
		stored.Learned = nil
		stored.trace = trace
		stored.applied = applied
		o.reports.Put(fp, stored)
	}
	if o.runLog != nil {
		rec := RunRecord{
			RunID:            rep.RunID,
			Plan:             rep.Plan,
			Results:          rep.Results,
			SuccessfulStages: rep.SuccessfulStages,
			TotalDurationMs:  rep.TotalDurationMs,
			InputDigest:      cache.Fingerprint(code)[:16],
			Changed:          rep.Changed(code),
			AppliedRules:     rep.AppliedRules,
			CreatedAt:        time.Now().UTC(),
		}
		if err := o.runLog.LogRun(ctx, rec); err != nil {
			o.logf("run %s: run log: %v", rep.RunID, err)
		}
	}
	return rep, nil
}

// replay returns a caller copy of a cached report after feeding its trace to
// Learn and its stage 7 applications to Record, as the original run did.
// Learned is never part of a hit, so every hit for a fingerprint is identical.
func (o *Orchestrator) replay(cached *Report, plan layer.Plan) *Report {
	if cached.applied != nil {
		o.patterns.Record(*cached.applied)
	}
	if o.learning && plan.ContainsAll(layer.DefaultIDs) {
		sum := o.patterns.Learn(cached.trace)
		o.logf("plan %s: replayed trace (%d observed)", plan, sum.Observed)
	}
	hit := cached.Clone()
	hit.trace = nil
	hit.applied = nil
	return hit
}

// unmet returns the first prerequisite that has not succeeded.
func unmet(prereqs []layer.ID, succeeded map[layer.ID]bool) (layer.ID, bool) {
	for _, p := range prereqs {
		if !succeeded[p] {
			return p, false
		}
	}
	return 0, true
}

// Plan resolves requested without running anything.
func (o *Orchestrator) Plan(requested []layer.ID) (layer.Plan, error) {
	return layer.Resolve(append([]layer.ID(nil), requested...))
}

// fingerprint keys the cache. The rule store version only matters when
// stage 7 runs.
func (o *Orchestrator) fingerprint(code string, plan layer.Plan, opts layer.Options) string {
	version := ""
	if plan.Contains(layer.Patterns) && o.patterns != nil {
		version = strconv.FormatUint(o.patterns.Version(), 10)
	}
	return cache.Fingerprint(
		code,
		plan.String(),
		strconv.FormatBool(opts.Verbose),
		strconv.FormatBool(opts.DryRun),
		opts.Timeout.String(),
		version,
	)
}

// applyCapture holds the last stage 7 preview so the orchestrator can record
// applications only once the output has been accepted.
type applyCapture struct {
	mu  sync.Mutex
	res *pattern.ApplyResult
}

func (c *applyCapture) set(res pattern.ApplyResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.res = &res
}

// accepted returns the captured result when it produced code.
func (c *applyCapture) accepted(code string) (pattern.ApplyResult, bool) {
	if c == nil {
		return pattern.ApplyResult{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.res == nil || c.res.Code != code {
		return pattern.ApplyResult{}, false
	}
	return *c.res, true
}

// stage returns the executable layer for id. Stage 7 is served by the
// pattern engine when one is configured.
func (o *Orchestrator) stage(id layer.ID) (layer.Layer, *applyCapture) {
	if id == layer.Patterns && o.patterns != nil {
		d, _ := layer.Lookup(id)
		capture := &applyCapture{}
		exec := layer.ExecutorFunc(func(ctx context.Context, code string, opts layer.Options) (layer.Output, error) {
			if err := ctx.Err(); err != nil {
				return layer.Output{}, err
			}
			res := o.patterns.Preview(code)
			capture.set(res)
			out := layer.Output{Code: res.Code, ChangeCount: res.Applications}
			for _, rid := range res.AppliedRuleIDs {
				out.Improvements = append(out.Improvements, "applied learned rule "+rid)
			}
			return out, nil
		})
		return layer.Layer{Descriptor: d, Exec: exec}, capture
	}
	if l, ok := o.layers.Get(id); ok {
		return l, nil
	}
	d, _ := layer.Lookup(id)
	return layer.Layer{Descriptor: d}, nil
}
