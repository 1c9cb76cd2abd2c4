// Package web serves the pipeline as a JSON API.
package web

import (
	"log"
	"net/http"

	"github.com/lucasnoah/layerfix/internal/db"
	"github.com/lucasnoah/layerfix/internal/layer"
	"github.com/lucasnoah/layerfix/internal/orchestrator"
	"github.com/lucasnoah/layerfix/internal/runs"
)

// maxBodyBytes bounds a transform request body.
const maxBodyBytes = 4 << 20

// Server is the HTTP API server.
type Server struct {
	orch     *orchestrator.Orchestrator
	store    *runs.Store
	db       *db.DB
	addr     string
	defaults layer.Options
}

// NewServer creates a Server. store and database may be nil; the endpoints
// that need them then answer 404.
func NewServer(orch *orchestrator.Orchestrator, store *runs.Store, database *db.DB, addr string) *Server {
	return &Server{orch: orch, store: store, db: database, addr: addr}
}

// SetDefaults sets the options applied when a request leaves them unset.
func (s *Server) SetDefaults(opts layer.Options) {
	s.defaults = opts
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/layers", s.handleLayers)
	mux.HandleFunc("GET /api/plan", s.handlePlan)
	mux.HandleFunc("POST /api/transform", s.handleTransform)
	mux.HandleFunc("GET /api/rules", s.handleRules)
	mux.HandleFunc("GET /api/rules/stats", s.handleRuleStats)
	mux.HandleFunc("DELETE /api/rules", s.handleClearRules)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRun)
	mux.HandleFunc("GET /api/analytics/layers", s.handleLayerStats)
	return mux
}

// Start starts listening.
func (s *Server) Start() error {
	log.Printf("layerfix API: http://%s", s.addr)
	return http.ListenAndServe(s.addr, s.Handler())
}
