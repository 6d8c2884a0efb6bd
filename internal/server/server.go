package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dativo-io/guardrail/internal/agent"
	"github.com/dativo-io/guardrail/internal/agent/tools"
	"github.com/dativo-io/guardrail/internal/audit"
	guardotel "github.com/dativo-io/guardrail/internal/otel"
)

const defaultTimeout = 30 * time.Second

// Server holds the dependencies of the HTTP API.
type Server struct {
	router      *chi.Mux
	orch        *agent.Orchestrator
	sessions    *SessionStore
	tools       *tools.ToolRegistry
	auditStore  *audit.Store
	limiter     *RateLimiter
	apiKeys     map[string]string
	corsOrigins []string
	startTime   time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithTools exposes the tool registry at GET /v1/tools.
func WithTools(reg *tools.ToolRegistry) Option {
	return func(s *Server) { s.tools = reg }
}

// WithAuditStore mounts the audit endpoints.
func WithAuditStore(st *audit.Store) Option {
	return func(s *Server) { s.auditStore = st }
}

// WithRateLimiter applies per-caller rate limits to the API group.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithAPIKeys enables auth. keys maps key -> caller name.
func WithAPIKeys(keys map[string]string) Option {
	return func(s *Server) { s.apiKeys = keys }
}

// WithCORSOrigins sets allowed CORS origins.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// NewServer builds a Server around an orchestrator and a session store.
func NewServer(orch *agent.Orchestrator, sessions *SessionStore, opts ...Option) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		orch:        orch,
		sessions:    sessions,
		corsOrigins: []string{"*"},
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the chi router with all middleware and routes. Turn routes
// run without the request timeout; the orchestrator bounds each model call.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(guardotel.Middleware())
	r.Use(CORSMiddleware(s.corsOrigins))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		if s.limiter != nil {
			r.Use(s.limiter.Middleware())
		}

		r.Post("/sessions/{id}/turns", s.handleTurn)
		r.Post("/run", s.handleRun)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultTimeout))
			r.Post("/sessions", s.handleCreateSession)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Delete("/sessions/{id}", s.handleDeleteSession)
			r.Post("/scan", s.handleScan)
			r.Get("/tools", s.handleTools)

			if s.auditStore != nil {
				r.Get("/audit", s.handleAuditList)
				r.Get("/audit/{id}", s.handleAuditGet)
				r.Get("/audit/{id}/verify", s.handleAuditVerify)
			}
		})
	})
	return r
}
