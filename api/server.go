// Package api - Read-only diagnostics and results HTTP surface
// The API serves process state, published results and build traces, and
// streams cycle events over a websocket. It never runs computations itself.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"riskengine/core/cycle"
	"riskengine/internal/errors"
	"riskengine/internal/logging"
	"riskengine/internal/metrics"
)

// Server is the API server
type Server struct {
	router    *chi.Mux
	processes *cycle.ProcessRegistry
	hub       *Hub
	version   string
	metrics   bool
	started   time.Time
	logger    *zap.Logger
}

// Option configures a Server
type Option func(*Server)

// WithVersion sets the reported build version
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithMetrics exposes /metrics
func WithMetrics(on bool) Option {
	return func(s *Server) { s.metrics = on }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates the API over a process registry and event hub
func NewServer(processes *cycle.ProcessRegistry, hub *Hub, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		processes: processes,
		hub:       hub,
		version:   "dev",
		started:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNamed(s.logger, "api")
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/version", s.handleVersion)
	if s.metrics {
		s.router.Handle("/metrics", metrics.Handler())
	}

	s.router.Route("/processes", func(r chi.Router) {
		r.Get("/", s.handleListProcesses)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleProcess)
			r.Get("/results", s.handleResults)
			r.Get("/trace/{config}", s.handleTrace)
		})
	})

	if s.hub != nil {
		s.router.Get("/ws", s.hub.ServeWS)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// processSummary describes a view process
type processSummary struct {
	ID            string    `json:"id"`
	View          string    `json:"view"`
	State         string    `json:"state"`
	Cycles        int       `json:"cycles"`
	CompilationID string    `json:"compilation_id,omitempty"`
	ValidTo       time.Time `json:"valid_to,omitzero"`
	LatestCycle   string    `json:"latest_cycle,omitempty"`
	Configs       []string  `json:"configurations,omitempty"`
}

func summarize(p *cycle.ViewProcess) processSummary {
	sum := processSummary{
		ID:     p.ID(),
		View:   p.View().Name,
		State:  p.State().String(),
		Cycles: p.Cycles(),
	}
	if cv, ok := p.Compiled(); ok {
		sum.CompilationID = cv.ID
		sum.ValidTo = cv.ValidTo
		sum.Configs = cv.Configurations()
	}
	if m, ok := p.Latest(); ok {
		sum.LatestCycle = m.CycleID
	}
	return sum
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":    "healthy",
		"version":   s.version,
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"processes": len(s.processes.List()),
		"time":      time.Now().UTC().Format(time.RFC3339),
	}, http.StatusOK)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{
		"version":     s.version,
		"engine":      "riskengine",
		"api_version": "v1",
	}, http.StatusOK)
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	list := s.processes.List()
	out := make([]processSummary, 0, len(list))
	for _, p := range list {
		out = append(out, summarize(p))
	}
	s.writeJSON(w, map[string]any{"processes": out, "count": len(out)}, http.StatusOK)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	p, err := s.processes.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, summarize(p), http.StatusOK)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	p, err := s.processes.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	m, ok := p.Latest()
	if !ok {
		s.writeError(w, errors.NotFound("results for process", p.ID()))
		return
	}
	s.writeJSON(w, m, http.StatusOK)
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	p, err := s.processes.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	cv, ok := p.Compiled()
	if !ok {
		s.writeError(w, errors.NotFound("compiled view for process", p.ID()))
		return
	}
	name := chi.URLParam(r, "config")
	trace, ok := cv.Trace(name)
	if !ok {
		s.writeError(w, errors.NotFound("calculation configuration", name))
		return
	}
	s.writeJSON(w, trace.Report(), http.StatusOK)
}

func (s *Server) writeJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	t := errors.TypeOf(err)
	s.writeJSON(w, map[string]any{
		"error": map[string]string{
			"code":    string(t),
			"message": err.Error(),
		},
	}, statusFor(t))
}

func statusFor(t errors.Type) int {
	switch t {
	case errors.TypeNotFound:
		return http.StatusNotFound
	case errors.TypeInput:
		return http.StatusBadRequest
	case errors.TypeTimeout:
		return http.StatusGatewayTimeout
	case errors.TypeCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
