package pattern

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/layerfix/internal/layer"
)

func typedState(name string) Step {
	return Step{
		Layer: layer.Validation,
		Pre:   fmt.Sprintf("const [%s, set] = useState([])", name),
		Post:  fmt.Sprintf("const [%s, set] = useState<Item[]>([])", name),
	}
}

func findRule(t *testing.T, e *Engine, pattern string) Rule {
	t.Helper()
	for _, r := range e.Rules() {
		if r.SourcePattern == pattern {
			return r
		}
	}
	t.Fatalf("no rule with pattern %q in %v", pattern, e.Rules())
	return Rule{}
}

func TestLearn_TypedStateExample(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil)

	sum := e.Learn([]Step{typedState("items")})
	assert.Equal(t, LearnSummary{Observed: 1, Created: 1}, sum)
	r := findRule(t, e, "useState([")
	assert.Equal(t, "useState<Item[]>([", r.ReplacementAction)
	assert.Equal(t, 1, r.TimesSeen)
	assert.Zero(t, r.Confidence)
	assert.Equal(t, layer.Validation, r.OriginLayer)

	e.Learn([]Step{typedState("rows")})
	r = findRule(t, e, "useState([")
	assert.Equal(t, 2, r.TimesSeen)
	assert.Equal(t, 1, r.TimesSucceeded)
	assert.Greater(t, r.Confidence, 0.0)

	unrelated := Step{Layer: layer.Entities, Pre: `<p>&quot;hi&quot;</p>`, Post: `<p>"hi"</p>`}
	e.Learn([]Step{unrelated})
	after := findRule(t, e, "useState([")
	assert.Equal(t, r.TimesSeen, after.TimesSeen)
	assert.Equal(t, r.TimesSucceeded, after.TimesSucceeded)
	assert.Equal(t, r.Confidence, after.Confidence)
}

func TestLearn_SameInputIsNotIndependent(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil)
	for i := 0; i < 3; i++ {
		e.Learn([]Step{typedState("items")})
	}
	r := findRule(t, e, "useState([")
	assert.Equal(t, 3, r.TimesSeen)
	assert.Zero(t, r.TimesSucceeded)
	assert.Zero(t, r.Confidence)
}

func TestLearn_SignatureCountedOncePerCall(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil)
	sum := e.Learn([]Step{typedState("a"), typedState("b")})
	assert.Equal(t, 1, sum.Observed)
	assert.Equal(t, 1, findRule(t, e, "useState([").TimesSeen)
}

func TestLearn_QuoteStyleAndWhitespaceCollapse(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil)
	e.Learn([]Step{{Layer: layer.Config, Pre: `load('a')`, Post: `load('a', true)`}})
	e.Learn([]Step{{Layer: layer.Config, Pre: "load(  \"a\" )", Post: "load(\"a\",  true )"}})
	require.Len(t, e.Rules(), 1)
	assert.Equal(t, 2, e.Rules()[0].TimesSeen)
}

func TestLearn_UnchangedStepsIgnored(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil)
	sum := e.Learn([]Step{{Layer: layer.Config, Pre: "a", Post: "a"}})
	assert.Zero(t, sum.Observed)
	assert.Empty(t, e.Rules())
	assert.Zero(t, e.Version())
}

func TestConfidenceBounds(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil)
	for i := 0; i < 20; i++ {
		e.Learn([]Step{typedState(fmt.Sprintf("v%d", i%5))})
	}
	for _, r := range e.Rules() {
		assert.GreaterOrEqual(t, r.Confidence, 0.0)
		assert.LessOrEqual(t, r.Confidence, 1.0)
		assert.LessOrEqual(t, r.TimesSucceeded, r.TimesSeen)
	}

	r := Rule{TimesSeen: 2, TimesSucceeded: 9}
	r.recompute()
	assert.Equal(t, 1.0, r.Confidence)
}

func TestApply_RequiresMinSamples(t *testing.T) {
	store := NewMemoryStore()
	store.Replace([]Rule{{
		ID: "r-1", Signature: "s1",
		SourcePattern: "useState([", ReplacementAction: "useState<Item[]>([",
		TimesSeen: 2, TimesSucceeded: 2,
	}})
	e := NewEngine(DefaultConfig(), store, nil)
	require.Equal(t, 1.0, e.Rules()[0].Confidence)

	res := e.Apply("const [x] = useState([])")
	assert.Equal(t, "const [x] = useState([])", res.Code)
	assert.Empty(t, res.AppliedRuleIDs)
	assert.Zero(t, e.Statistics().EligibleRules)
}

func TestApply_LearnedRule(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil)
	for _, name := range []string{"a", "b", "c"} {
		e.Learn([]Step{typedState(name)})
	}
	r := findRule(t, e, "useState([")
	require.True(t, e.Config().Eligible(r), "confidence %.2f seen %d", r.Confidence, r.TimesSeen)

	code := "// useState([]) in a comment\nconst s = \"useState([])\"\nconst [rows] = useState([])\n"
	res := e.Apply(code)
	assert.Equal(t, "// useState([]) in a comment\nconst s = \"useState([])\"\nconst [rows] = useState<Item[]>([])\n", res.Code)
	assert.Equal(t, []string{r.ID}, res.AppliedRuleIDs)
	assert.Equal(t, 1, res.Applications)

	r = findRule(t, e, "useState([")
	assert.Equal(t, 1, r.Applications)
	assert.False(t, r.LastAppliedAt.IsZero())

	again := e.Apply(res.Code)
	assert.Equal(t, res.Code, again.Code, "applying to fixed code is a no-op")
}

func TestApply_SkipsMatchAcrossComment(t *testing.T) {
	store := NewMemoryStore()
	store.Replace([]Rule{{ID: "r-1", Signature: "s1", SourcePattern: "a(b", ReplacementAction: "a(c", TimesSeen: 5, TimesSucceeded: 5}})
	e := NewEngine(DefaultConfig(), store, nil)
	assert.Equal(t, "a(/* keep */b)", e.Apply("a(/* keep */b)").Code)
	assert.Equal(t, "a(c)", e.Apply("a( b)").Code)
}

func TestApply_MaxApplications(t *testing.T) {
	store := NewMemoryStore()
	store.Replace([]Rule{{ID: "r-1", Signature: "s1", SourcePattern: "foo(", ReplacementAction: "bar(", TimesSeen: 4, TimesSucceeded: 4}})
	cfg := DefaultConfig()
	cfg.MaxApplications = 2
	e := NewEngine(cfg, store, nil)

	res := e.Apply("foo(1); foo(2); foo(3)")
	assert.Equal(t, "bar(1); bar(2); foo(3)", res.Code)
	assert.Equal(t, 2, res.Applications)
}

func TestApply_OrderByConfidence(t *testing.T) {
	store := NewMemoryStore()
	store.Replace([]Rule{
		{ID: "r-low", Signature: "s1", SourcePattern: "x = 1", ReplacementAction: "x = 2", TimesSeen: 10, TimesSucceeded: 7},
		{ID: "r-high", Signature: "s2", SourcePattern: "x = 1", ReplacementAction: "x = 3", TimesSeen: 4, TimesSucceeded: 4},
	})
	e := NewEngine(DefaultConfig(), store, nil)
	res := e.Apply("x = 1")
	assert.Equal(t, "x = 3", res.Code)
	assert.Equal(t, []string{"r-high"}, res.AppliedRuleIDs)
}

func TestPreview_DoesNotRecord(t *testing.T) {
	store := NewMemoryStore()
	store.Replace([]Rule{{ID: "r-1", Signature: "s1", SourcePattern: "foo(", ReplacementAction: "bar(", TimesSeen: 4, TimesSucceeded: 4}})
	e := NewEngine(DefaultConfig(), store, nil)
	v := e.Version()
	assert.Equal(t, "bar()", e.Preview("foo()").Code)
	assert.Zero(t, e.Rules()[0].Applications)

	e.Apply("foo()")
	assert.Equal(t, 1, e.Rules()[0].Applications)
	assert.Equal(t, v, e.Version(), "applications do not change the version")
}

func TestLearn_ConcurrentExactCounts(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil)
	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e.Learn([]Step{typedState(fmt.Sprintf("v%d", i))})
			e.Apply("useState([])")
		}(i)
	}
	wg.Wait()
	r := findRule(t, e, "useState([")
	assert.Equal(t, n, r.TimesSeen)
	assert.Equal(t, n-1, r.TimesSucceeded)
}

func TestStatistics(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil)
	assert.Equal(t, Statistics{RulesByStage: map[layer.ID]int{}}, e.Statistics())

	e.Learn([]Step{typedState("a")})
	e.Learn([]Step{typedState("b")})
	e.Learn([]Step{{Layer: layer.Framework, Pre: "run(a)", Post: "run(a, b)"}})
	st := e.Statistics()
	assert.Equal(t, 2, st.TotalRules)
	assert.Equal(t, 1, st.RulesByStage[layer.Validation])
	assert.Equal(t, 1, st.RulesByStage[layer.Framework])
	assert.InDelta(t, 0.25, st.AverageConfidence, 1e-9)
	assert.Zero(t, st.EligibleRules)
}

func TestExecutor(t *testing.T) {
	store := NewMemoryStore()
	store.Replace([]Rule{{ID: "r-1", Signature: "s1", SourcePattern: "foo(", ReplacementAction: "bar(", TimesSeen: 4, TimesSucceeded: 4}})
	e := NewEngine(DefaultConfig(), store, nil)

	out, err := e.Executor().Execute(context.Background(), "foo()", layer.Options{})
	require.NoError(t, err)
	assert.Equal(t, "bar()", out.Code)
	assert.Equal(t, 1, out.ChangeCount)
	assert.Equal(t, []string{"applied learned rule r-1"}, out.Improvements)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Executor().Execute(ctx, "foo()", layer.Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

type fakePersister struct {
	mu      sync.Mutex
	rules   map[string]Rule
	saves   int
	clears  int
	loadErr error
}

func newFakePersister(rules ...Rule) *fakePersister {
	p := &fakePersister{rules: make(map[string]Rule)}
	for _, r := range rules {
		p.rules[r.Signature] = r
	}
	return p
}

func (p *fakePersister) Load(ctx context.Context) ([]Rule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	var out []Rule
	for _, r := range p.rules {
		out = append(out, r)
	}
	return out, nil
}

func (p *fakePersister) Save(ctx context.Context, r Rule) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	p.rules[r.Signature] = r
	return nil
}

func (p *fakePersister) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears++
	p.rules = make(map[string]Rule)
	return nil
}

func TestPersistence_LoadSaveClear(t *testing.T) {
	p := newFakePersister(Rule{ID: "r-1", Signature: "s1", SourcePattern: "foo(", ReplacementAction: "bar(", TimesSeen: 4, TimesSucceeded: 3, CreatedAt: time.Now()})
	e := NewEngine(DefaultConfig(), nil, p)

	n, err := e.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0.75, e.Rules()[0].Confidence)

	e.Learn([]Step{typedState("a")})
	require.NoError(t, e.ClearRules(context.Background()))
	assert.Empty(t, e.Rules())

	e.Learn([]Step{typedState("b")})
	require.NoError(t, e.Close())

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, 1, p.clears)
	assert.Equal(t, 2, p.saves)
	require.Len(t, p.rules, 1, "only the rule learned after the clear survives")

	assert.ErrorIs(t, e.ClearRules(context.Background()), ErrClosed)
}

func TestPersistence_ConcurrentSavesKeepLatest(t *testing.T) {
	p := newFakePersister()
	e := NewEngine(DefaultConfig(), nil, p)
	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e.Learn([]Step{typedState(fmt.Sprintf("v%d", i))})
			e.Apply("useState([])")
		}(i)
	}
	wg.Wait()
	require.NoError(t, e.Close())

	want := findRule(t, e, "useState([")
	p.mu.Lock()
	defer p.mu.Unlock()
	got, ok := p.rules[want.Signature]
	require.True(t, ok)
	assert.Equal(t, n, got.TimesSeen, "last persisted copy is the newest")
	assert.Equal(t, want.TimesSucceeded, got.TimesSucceeded)
	assert.Equal(t, want.Applications, got.Applications)
}

func TestPersistence_LoadError(t *testing.T) {
	p := newFakePersister()
	p.loadErr = fmt.Errorf("disk gone")
	e := NewEngine(DefaultConfig(), nil, p)
	defer e.Close()
	_, err := e.Load(context.Background())
	assert.ErrorContains(t, err, "disk gone")
}
