package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lucasnoah/layerfix/internal/cache"
	"github.com/lucasnoah/layerfix/internal/db"
	"github.com/lucasnoah/layerfix/internal/fixes"
	"github.com/lucasnoah/layerfix/internal/layer"
	"github.com/lucasnoah/layerfix/internal/orchestrator"
	"github.com/lucasnoah/layerfix/internal/pattern"
	"github.com/lucasnoah/layerfix/internal/runs"
)

func newTestServer(t *testing.T, extra map[layer.ID]layer.Executor) (*Server, *pattern.Engine) {
	t.Helper()
	set, err := layer.NewSet(fixes.Layers())
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	for id, ex := range extra {
		if err := set.Register(id, ex); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	eng := pattern.NewEngine(pattern.DefaultConfig(), nil, nil)
	orch := orchestrator.NewOrchestrator(set, nil, eng, cache.NewLRU[*orchestrator.Report](8))

	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	orch.SetRunLogger(d)

	return NewServer(orch, runs.NewStore(t.TempDir()), d, "127.0.0.1:0"), eng
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s.Handler(), "GET", "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got healthResponse
	decode(t, rec, &got)
	if got.Status != "ok" {
		t.Errorf("Status = %q, want ok", got.Status)
	}
}

func TestTransform(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s.Handler(), "POST", "/api/transform", `{"code":"const a=1","save":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var rep orchestrator.Report
	decode(t, rec, &rep)
	if rep.FinalCode != "const a=1" {
		t.Errorf("FinalCode = %q", rep.FinalCode)
	}
	if rep.SuccessfulStages != 6 || len(rep.Results) != 6 {
		t.Errorf("stages = %d/%d, want 6/6", rep.SuccessfulStages, len(rep.Results))
	}
	for _, res := range rep.Results {
		if res.ChangeCount != 0 {
			t.Errorf("layer %d changed clean code", res.Layer)
		}
	}

	// saved to the run store and logged to the db
	if _, err := s.store.Get(rep.RunID); err != nil {
		t.Errorf("run not saved: %v", err)
	}
	if run, _ := s.db.GetRun(rep.RunID); run == nil {
		t.Error("run not logged")
	}
}

func TestTransformOptions(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s.Handler(), "POST", "/api/transform", `{"code":"a  \n","layers":[2],"verbose":true,"dryRun":true,"timeoutMs":1000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var rep orchestrator.Report
	decode(t, rec, &rep)
	if rep.Plan.String() != "1,2" {
		t.Errorf("Plan = %s, want 1,2", rep.Plan)
	}
	if rep.Results[0].InputCode != "a  \n" {
		t.Errorf("verbose input not kept: %q", rep.Results[0].InputCode)
	}
	if rep.FinalCode != "a\n" {
		t.Errorf("FinalCode = %q, want %q", rep.FinalCode, "a\n")
	}
	if run, _ := s.db.GetRun(rep.RunID); run != nil {
		t.Error("dry run should not be logged")
	}
}

func TestTransformUnknownStage(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s.Handler(), "POST", "/api/transform", `{"code":"x","layers":[9]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var got errorResponse
	decode(t, rec, &got)
	if got.Kind != "unknown_stage" {
		t.Errorf("Kind = %q, want unknown_stage", got.Kind)
	}
}

func TestTransformFatalReturnsPartialReport(t *testing.T) {
	fatal := layer.ExecutorFunc(func(ctx context.Context, code string, opts layer.Options) (layer.Output, error) {
		return layer.Output{}, layer.Errorf(layer.FatalFailure, layer.Components, "out of memory")
	})
	s, _ := newTestServer(t, map[layer.ID]layer.Executor{layer.Components: fatal})

	rec := do(t, s.Handler(), "POST", "/api/transform", `{"code":"x  \n"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var got errorResponse
	decode(t, rec, &got)
	if got.Kind != "fatal_failure" {
		t.Errorf("Kind = %q, want fatal_failure", got.Kind)
	}
	if got.Report == nil {
		t.Fatal("expected partial report")
	}
	if got.Report.SuccessfulStages != 2 || got.Report.FinalCode != "x\n" {
		t.Errorf("partial report = %d stages, %q", got.Report.SuccessfulStages, got.Report.FinalCode)
	}
}

func TestTransformBadBody(t *testing.T) {
	s, _ := newTestServer(t, nil)
	for _, body := range []string{`not json`, `{"code":"x","bogus":1}`, `{"code":"x","timeoutMs":-5}`} {
		rec := do(t, s.Handler(), "POST", "/api/transform", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestTransformMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s.Handler(), "GET", "/api/transform", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestPlan(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s.Handler(), "GET", "/api/plan?layers=4", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got struct {
		Plan []int `json:"plan"`
	}
	decode(t, rec, &got)
	if len(got.Plan) != 4 || got.Plan[3] != 4 {
		t.Errorf("plan = %v, want [1 2 3 4]", got.Plan)
	}

	if rec := do(t, s.Handler(), "GET", "/api/plan?layers=12", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown layer status = %d, want 400", rec.Code)
	}
}

func TestLayers(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s.Handler(), "GET", "/api/layers", "")
	var got []layer.Descriptor
	decode(t, rec, &got)
	if len(got) != 7 {
		t.Errorf("len = %d, want 7", len(got))
	}
}

func TestRulesEndpoints(t *testing.T) {
	s, eng := newTestServer(t, nil)
	h := s.Handler()

	rec := do(t, h, "GET", "/api/rules", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("empty rules = %d %s", rec.Code, rec.Body)
	}

	for _, name := range []string{"a", "b"} {
		eng.Learn([]pattern.Step{{
			Layer: layer.Validation,
			Pre:   "const [" + name + "] = useState([])",
			Post:  "const [" + name + "] = useState<Item[]>([])",
		}})
	}

	var rules []pattern.Rule
	decode(t, do(t, h, "GET", "/api/rules", ""), &rules)
	if len(rules) != 1 || rules[0].TimesSeen != 2 {
		t.Fatalf("rules = %+v", rules)
	}
	var eligible []pattern.Rule
	decode(t, do(t, h, "GET", "/api/rules?eligible=true", ""), &eligible)
	if len(eligible) != 0 {
		t.Errorf("eligible = %d, want 0 below min samples", len(eligible))
	}

	var stats pattern.Statistics
	decode(t, do(t, h, "GET", "/api/rules/stats", ""), &stats)
	if stats.TotalRules != 1 {
		t.Errorf("TotalRules = %d, want 1", stats.TotalRules)
	}

	if rec := do(t, h, "DELETE", "/api/rules", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if n := len(eng.Rules()); n != 0 {
		t.Errorf("rules after delete = %d", n)
	}
}

func TestRunsEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	var rep orchestrator.Report
	decode(t, do(t, h, "POST", "/api/transform", `{"code":"b()","save":true}`), &rep)

	var list []runs.Entry
	decode(t, do(t, h, "GET", "/api/runs", ""), &list)
	if len(list) != 1 || list[0].RunID != rep.RunID {
		t.Fatalf("runs = %+v", list)
	}

	var e runs.Entry
	decode(t, do(t, h, "GET", "/api/runs/"+rep.RunID, ""), &e)
	if e.Source != "api" || e.Report.FinalCode != "b()" {
		t.Errorf("entry = %+v", e)
	}

	if rec := do(t, h, "GET", "/api/runs/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", rec.Code)
	}

	// unsaved runs are answered from the run log
	var unsaved orchestrator.Report
	decode(t, do(t, h, "POST", "/api/transform", `{"code":"d()","layers":[1,2]}`), &unsaved)
	var logged struct {
		Run struct {
			ID               string
			SuccessfulStages int
		} `json:"run"`
		Layers []struct {
			Name string
		} `json:"layers"`
	}
	decode(t, do(t, h, "GET", "/api/runs/"+unsaved.RunID, ""), &logged)
	if logged.Run.ID != unsaved.RunID || logged.Run.SuccessfulStages != 2 {
		t.Errorf("logged run = %+v", logged.Run)
	}
	if len(logged.Layers) != 2 || logged.Layers[1].Name != "entities" {
		t.Errorf("logged layers = %+v", logged.Layers)
	}
}

func TestLayerStatsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()
	do(t, h, "POST", "/api/transform", `{"code":"c()"}`)

	var stats []struct {
		Layer int `json:"layer"`
		Total int `json:"total"`
	}
	decode(t, do(t, h, "GET", "/api/analytics/layers", ""), &stats)
	if len(stats) != 6 {
		t.Fatalf("len = %d, want 6", len(stats))
	}
	if stats[0].Layer != 1 || stats[0].Total != 1 {
		t.Errorf("first = %+v", stats[0])
	}
}

func TestOptionalDependenciesMissing(t *testing.T) {
	orch := orchestrator.NewOrchestrator(nil, nil, nil, nil)
	h := NewServer(orch, nil, nil, "").Handler()
	for _, path := range []string{"/api/rules", "/api/rules/stats", "/api/runs", "/api/runs/x", "/api/analytics/layers"} {
		if rec := do(t, h, "GET", path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, rec.Code)
		}
	}
}
