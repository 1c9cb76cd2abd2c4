package web

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/lucasnoah/layerfix/internal/analytics"
	"github.com/lucasnoah/layerfix/internal/db"
	"github.com/lucasnoah/layerfix/internal/layer"
	"github.com/lucasnoah/layerfix/internal/orchestrator"
	"github.com/lucasnoah/layerfix/internal/pattern"
	"github.com/lucasnoah/layerfix/internal/runs"
)

// TransformRequest is the body of POST /api/transform.
type TransformRequest struct {
	Code      string `json:"code"`
	Layers    []int  `json:"layers,omitempty"`
	Verbose   *bool  `json:"verbose,omitempty"`
	DryRun    *bool  `json:"dryRun,omitempty"`
	TimeoutMs *int64 `json:"timeoutMs,omitempty"`
	Save      bool   `json:"save,omitempty"`
}

type errorResponse struct {
	Error  string               `json:"error"`
	Kind   string               `json:"kind,omitempty"`
	Report *orchestrator.Report `json:"report,omitempty"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Rules       int    `json:"rules"`
	CacheHits   uint64 `json:"cache_hits"`
	CacheMisses uint64 `json:"cache_misses"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	var le *layer.Error
	if errors.As(err, &le) {
		resp.Kind = le.Kind.String()
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if eng := s.orch.Patterns(); eng != nil {
		resp.Rules = eng.Statistics().TotalRules
	}
	resp.CacheHits, resp.CacheMisses = s.orch.CacheStats()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLayers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, layer.Catalog)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var args []string
	if v := r.URL.Query().Get("layers"); v != "" {
		args = []string{v}
	}
	ids, err := layer.ParseIDs(args)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	plan, err := s.orch.Plan(ids)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"plan": plan})
}

// options merges the request's settings over the server defaults.
func (s *Server) options(req TransformRequest) layer.Options {
	opts := s.defaults
	if req.Verbose != nil {
		opts.Verbose = *req.Verbose
	}
	if req.DryRun != nil {
		opts.DryRun = *req.DryRun
	}
	if req.TimeoutMs != nil {
		opts.Timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
	}
	return opts
}

func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req TransformRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body: "+err.Error()))
		return
	}
	if req.TimeoutMs != nil && *req.TimeoutMs < 0 {
		writeError(w, http.StatusBadRequest, errors.New("timeoutMs must not be negative"))
		return
	}

	ids := make([]layer.ID, len(req.Layers))
	for i, n := range req.Layers {
		ids[i] = layer.ID(n)
	}

	rep, err := s.orch.Transform(r.Context(), req.Code, ids, s.options(req))
	switch {
	case errors.Is(err, layer.ErrUnknownStage):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		log.Printf("web: transform cancelled: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Report: rep})
		return
	case err != nil:
		log.Printf("web: transform failed: %v", err)
		resp := errorResponse{Error: err.Error(), Report: rep}
		var le *layer.Error
		if errors.As(err, &le) {
			resp.Kind = le.Kind.String()
		}
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	if req.Save && s.store != nil {
		if _, err := s.store.Save(rep, "api"); err != nil {
			log.Printf("web: save run %s: %v", rep.RunID, err)
		}
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) engine(w http.ResponseWriter) *pattern.Engine {
	eng := s.orch.Patterns()
	if eng == nil {
		writeError(w, http.StatusNotFound, errors.New("pattern learning is not configured"))
	}
	return eng
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	eng := s.engine(w)
	if eng == nil {
		return
	}
	rules := eng.Rules()
	if r.URL.Query().Get("eligible") == "true" {
		cfg := eng.Config()
		kept := rules[:0]
		for _, rule := range rules {
			if cfg.Eligible(rule) {
				kept = append(kept, rule)
			}
		}
		rules = kept
	}
	if rules == nil {
		rules = []pattern.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleRuleStats(w http.ResponseWriter, r *http.Request) {
	eng := s.engine(w)
	if eng == nil {
		return
	}
	writeJSON(w, http.StatusOK, eng.Statistics())
}

func (s *Server) handleClearRules(w http.ResponseWriter, r *http.Request) {
	eng := s.engine(w)
	if eng == nil {
		return
	}
	if err := eng.ClearRules(r.Context()); err != nil {
		log.Printf("web: clear rules: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.orch.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, errors.New("run artifacts are not configured"))
		return
	}
	list, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []runs.Entry{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, errors.New("run artifacts are not configured"))
		return
	}
	id := r.PathValue("id")
	if strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		http.NotFound(w, r)
		return
	}
	e, err := s.store.Get(id)
	if errors.Is(err, runs.ErrNotFound) {
		s.writeLoggedRun(w, id, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// loggedRun is a run-log entry with its layer results.
type loggedRun struct {
	Run    *db.TransformRun `json:"run"`
	Layers []db.LayerResult `json:"layers"`
}

// writeLoggedRun answers from the run log when no report was saved.
func (s *Server) writeLoggedRun(w http.ResponseWriter, id string, notFound error) {
	if s.db == nil {
		writeError(w, http.StatusNotFound, notFound)
		return
	}
	run, err := s.db.GetRun(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, notFound)
		return
	}
	layers, err := s.db.GetLayerResults(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, loggedRun{Run: run, Layers: layers})
}

func (s *Server) handleLayerStats(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusNotFound, errors.New("run log is not configured"))
		return
	}
	stats, err := analytics.QueryLayerStats(s.db, r.URL.Query().Get("since"))
	if err != nil {
		log.Printf("web: layer stats: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if stats == nil {
		stats = []analytics.LayerStat{}
	}
	writeJSON(w, http.StatusOK, stats)
}
