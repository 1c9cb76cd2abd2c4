package pattern

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lucasnoah/layerfix/internal/layer"
	"github.com/lucasnoah/layerfix/internal/lexer"
)

// Step is one accepted stage edit from a completed run.
type Step struct {
	Layer layer.ID `json:"layer"`
	Pre   string   `json:"pre"`
	Post  string   `json:"post"`
}

// LearnSummary reports what one Learn call did.
type LearnSummary struct {
	Observed int `json:"observed"`
	Created  int `json:"created"`
	Updated  int `json:"updated"`
}

// ApplyResult is the outcome of Apply.
type ApplyResult struct {
	Code           string         `json:"code"`
	AppliedRuleIDs []string       `json:"applied_rule_ids,omitempty"`
	Applications   int            `json:"applications"`
	Counts         map[string]int `json:"counts,omitempty"`
}

// Engine owns the rule store and implements learning and application.
type Engine struct {
	cfg      Config
	store    Store
	saver    *saver
	progress io.Writer

	// writeMu orders store writes with their saves so the persister never
	// receives an older copy of a rule after a newer one.
	writeMu sync.Mutex
	now      func() time.Time
}

// NewEngine creates an engine over store, persisting through p when non-nil.
// A nil store gets a fresh MemoryStore.
func NewEngine(cfg Config, store Store, p Persister) *Engine {
	if store == nil {
		store = NewMemoryStore()
	}
	e := &Engine{cfg: cfg.withDefaults(), store: store, now: time.Now}
	if p != nil {
		e.saver = newSaver(p, e.logf)
	}
	return e
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (e *Engine) SetProgress(w io.Writer) {
	e.progress = w
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.progress != nil {
		fmt.Fprintf(e.progress, "  → patterns: "+format+"\n", args...)
	}
}

// Config returns the effective thresholds.
func (e *Engine) Config() Config {
	return e.cfg
}

// Load seeds the store from the persister and returns the number of rules.
func (e *Engine) Load(ctx context.Context) (int, error) {
	if e.saver == nil {
		return 0, nil
	}
	rules, err := e.saver.p.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load rules: %w", err)
	}
	e.writeMu.Lock()
	e.store.Replace(rules)
	e.writeMu.Unlock()
	e.logf("loaded %d rule(s)", len(rules))
	return len(rules), nil
}

// Close flushes pending saves. The engine stays usable in memory.
func (e *Engine) Close() error {
	if e.saver != nil {
		e.saver.close()
	}
	return nil
}

// Version changes whenever the rule set changes.
func (e *Engine) Version() uint64 {
	return e.store.Version()
}

// Learn records the deltas of each changed step. A signature counts once per
// call. A repeat of a known signature is an independent observation, and
// raises TimesSucceeded, only when it comes from an input the rule has not
// seen before.
func (e *Engine) Learn(trace []Step) LearnSummary {
	type observation struct {
		delta  Delta
		layer  layer.ID
		digest string
	}
	seen := make(map[string]observation)
	var order []string
	for _, st := range trace {
		if st.Pre == st.Post {
			continue
		}
		dg := digest(st.Pre)
		for _, d := range Extract(st.Pre, st.Post, e.cfg.MaxDeltaTokens) {
			if _, dup := seen[d.Signature]; dup {
				continue
			}
			seen[d.Signature] = observation{delta: d, layer: st.Layer, digest: dg}
			order = append(order, d.Signature)
		}
	}

	var sum LearnSummary
	if len(order) == 0 {
		return sum
	}
	sum.Observed = len(order)
	now := e.now()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	updated := e.store.Upsert(order, func(sig string, r *Rule, exists bool) {
		o := seen[sig]
		if !exists {
			*r = Rule{
				ID:                ruleID(sig),
				Signature:         sig,
				SourcePattern:     o.delta.Before,
				ReplacementAction: o.delta.After,
				OriginLayer:       o.layer,
				TimesSeen:         1,
				CreatedAt:         now,
			}
			r.addSource(o.digest, e.cfg.MaxSources)
			sum.Created++
			return
		}
		r.TimesSeen++
		if !r.hasSource(o.digest) {
			r.TimesSucceeded++
			r.addSource(o.digest, e.cfg.MaxSources)
		}
		sum.Updated++
	})

	if e.saver != nil {
		e.saver.save(updated...)
	}
	e.logf("learned %d delta(s): %d new, %d updated", sum.Observed, sum.Created, sum.Updated)
	return sum
}

// Apply rewrites code with every eligible rule, most confident first, and
// stops after MaxApplications replacements. Matching runs over significant
// tokens, so text inside strings and comments is never touched, and a match
// spanning a comment is skipped.
func (e *Engine) Apply(code string) ApplyResult {
	return e.apply(code, true)
}

// Preview is Apply without recording applications on the rules.
func (e *Engine) Preview(code string) ApplyResult {
	return e.apply(code, false)
}

// Record stamps the applications of a previewed result on its rules.
func (e *Engine) Record(res ApplyResult) {
	if len(res.Counts) == 0 {
		return
	}
	e.writeMu.Lock()
	updated := e.store.MarkApplied(res.Counts, e.now())
	if e.saver != nil {
		e.saver.save(updated...)
	}
	e.writeMu.Unlock()
	e.logf("applied %d rule(s), %d replacement(s)", len(res.AppliedRuleIDs), res.Applications)
}

func (e *Engine) apply(code string, record bool) ApplyResult {
	res := ApplyResult{Code: code}
	rules := e.eligible()
	if len(rules) == 0 {
		return res
	}

	counts := make(map[string]int)
	cur := code
	for _, r := range rules {
		if res.Applications >= e.cfg.MaxApplications {
			break
		}
		pat := lexer.Significant(r.SourcePattern)
		if len(pat) == 0 {
			continue
		}
		next, n := replaceAll(cur, pat, r.ReplacementAction, e.cfg.MaxApplications-res.Applications)
		if n == 0 {
			continue
		}
		cur = next
		counts[r.ID] += n
		res.Applications += n
		res.AppliedRuleIDs = append(res.AppliedRuleIDs, r.ID)
	}
	res.Code = cur
	if len(counts) > 0 {
		res.Counts = counts
	}
	if record {
		e.Record(res)
	}
	return res
}

// replaceAll replaces up to limit non-overlapping matches of pat in code.
func replaceAll(code string, pat []lexer.Token, replacement string, limit int) (string, int) {
	toks := lexer.Significant(code)
	var b strings.Builder
	last, n := 0, 0
	for i := 0; i+len(pat) <= len(toks) && n < limit; {
		if !matchAt(code, toks, i, pat) {
			i++
			continue
		}
		b.WriteString(code[last:toks[i].Start])
		b.WriteString(replacement)
		last = toks[i+len(pat)-1].End
		i += len(pat)
		n++
	}
	if n == 0 {
		return code, 0
	}
	b.WriteString(code[last:])
	return b.String(), n
}

func matchAt(code string, toks []lexer.Token, i int, pat []lexer.Token) bool {
	for j, p := range pat {
		if !lexer.Equivalent(toks[i+j], p) {
			return false
		}
		if j > 0 && strings.TrimSpace(code[toks[i+j-1].End:toks[i+j].Start]) != "" {
			return false
		}
	}
	return true
}

// eligible returns the applicable rules in application order.
func (e *Engine) eligible() []Rule {
	snap := e.store.Snapshot()
	out := make([]Rule, 0, len(snap))
	for _, r := range snap {
		if e.cfg.Eligible(r) {
			out = append(out, r)
		}
	}
	sortByConfidence(out)
	return out
}

func sortByConfidence(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.TimesSeen != b.TimesSeen {
			return a.TimesSeen > b.TimesSeen
		}
		return a.ID < b.ID
	})
}

// Rules lists every stored rule in application order.
func (e *Engine) Rules() []Rule {
	snap := e.store.Snapshot()
	out := make([]Rule, len(snap))
	for i, r := range snap {
		out[i] = r.Clone()
	}
	sortByConfidence(out)
	return out
}

// Statistics summarizes the store.
func (e *Engine) Statistics() Statistics {
	snap := e.store.Snapshot()
	st := Statistics{TotalRules: len(snap), RulesByStage: make(map[layer.ID]int)}
	var total float64
	for _, r := range snap {
		total += r.Confidence
		st.TotalApplications += r.Applications
		st.RulesByStage[r.OriginLayer]++
		if e.cfg.Eligible(r) {
			st.EligibleRules++
		}
	}
	if len(snap) > 0 {
		st.AverageConfidence = total / float64(len(snap))
	}
	return st
}

// ClearRules empties the store and, after pending saves, the persister.
func (e *Engine) ClearRules(ctx context.Context) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.store.Clear()
	if e.saver == nil {
		return nil
	}
	if err := e.saver.clear(ctx); err != nil {
		return fmt.Errorf("clear rules: %w", err)
	}
	e.logf("cleared rules")
	return nil
}

// Executor adapts Apply to the stage contract for stage 7.
func (e *Engine) Executor() layer.Executor {
	return layer.ExecutorFunc(func(ctx context.Context, code string, opts layer.Options) (layer.Output, error) {
		if err := ctx.Err(); err != nil {
			return layer.Output{}, err
		}
		res := e.apply(code, !opts.DryRun)
		out := layer.Output{Code: res.Code, ChangeCount: res.Applications}
		for _, id := range res.AppliedRuleIDs {
			out.Improvements = append(out.Improvements, "applied learned rule "+id)
		}
		return out, nil
	})
}
