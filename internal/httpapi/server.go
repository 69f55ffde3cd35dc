// Package httpapi is the HTTP/SSE surface of Ash, spec.md §6.1 (client
// facing) and §6.2 (runner internal). Grounded in the teacher's
// internal/web.Server: a single *http.ServeMux, a *http.Server with no
// write timeout (SSE needs none), and Start/Shutdown wrapping
// ListenAndServe/Shutdown.
package httpapi

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/ash-systems/ash/internal/db"
	"github.com/ash-systems/ash/internal/runner"
	"github.com/ash-systems/ash/internal/router"
)

// defaultTenantID is used for every request when Ash is run without a
// multi-tenant identity provider in front of it: the API key configured
// via ASH_API_KEY authenticates the single tenant this process serves.
// Recorded as an Open Question resolution in DESIGN.md.
const defaultTenantID = "default"

// Config bundles Server's construction-time dependencies.
type Config struct {
	Host           string
	Port           int
	APIKey         string // empty disables client-facing auth (spec.md §6.1)
	InternalSecret string // empty disables runner-internal auth (spec.md §6.2)

	DB          *db.DB
	Router      *router.Router
	Coordinator *runner.Coordinator
	Local       runner.Backend // this process's own LocalBackend, for /runner/* endpoints; nil if this process owns no sandboxes

	SSEWriteTimeout time.Duration
}

// Server is Ash's HTTP server.
type Server struct {
	cfg    Config
	mux    *http.ServeMux
	server *http.Server
}

// New constructs a Server and registers all routes.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE needs no write timeout
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	// Client-facing surface, spec.md §6.1.
	s.mux.HandleFunc("POST /api/agents", s.withAPIKey(s.handleDeployAgent))
	s.mux.HandleFunc("GET /api/agents", s.withAPIKey(s.handleListAgents))
	s.mux.HandleFunc("GET /api/agents/{name}", s.withAPIKey(s.handleGetAgent))
	s.mux.HandleFunc("DELETE /api/agents/{name}", s.withAPIKey(s.handleDeleteAgent))

	s.mux.HandleFunc("POST /api/sessions", s.withAPIKey(s.handleCreateSession))
	s.mux.HandleFunc("GET /api/sessions", s.withAPIKey(s.handleListSessions))
	s.mux.HandleFunc("GET /api/sessions/{id}", s.withAPIKey(s.handleGetSession))
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.withAPIKey(s.handleEndSession))
	s.mux.HandleFunc("POST /api/sessions/{id}/messages", s.withAPIKey(s.handleSendMessage))
	s.mux.HandleFunc("POST /api/sessions/{id}/pause", s.withAPIKey(s.handlePauseSession))
	s.mux.HandleFunc("POST /api/sessions/{id}/resume", s.withAPIKey(s.handleResumeSession))

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)

	// Runner-internal surface, spec.md §6.2.
	s.mux.HandleFunc("POST /api/internal/runners/register", s.withInternalSecret(s.handleRegisterRunner))
	s.mux.HandleFunc("POST /api/internal/runners/heartbeat", s.withInternalSecret(s.handleHeartbeat))
	s.mux.HandleFunc("POST /api/internal/runners/deregister", s.withInternalSecret(s.handleDeregister))
	s.mux.HandleFunc("GET /api/internal/runners", s.withInternalSecret(s.handleListRunners))

	s.mux.HandleFunc("POST /runner/sandboxes", s.withInternalSecret(s.handleRunnerCreateSandbox))
	s.mux.HandleFunc("DELETE /runner/sandboxes/{id}", s.withInternalSecret(s.handleRunnerDestroySandbox))
	s.mux.HandleFunc("POST /runner/sandboxes/{id}/cmd", s.withInternalSecret(s.handleRunnerSendCommand))
	s.mux.HandleFunc("POST /runner/sandboxes/{id}/interrupt", s.withInternalSecret(s.handleRunnerInterrupt))
	s.mux.HandleFunc("POST /runner/sandboxes/{id}/mark", s.withInternalSecret(s.handleRunnerMark))
	s.mux.HandleFunc("POST /runner/sandboxes/{id}/persist", s.withInternalSecret(s.handleRunnerPersist))
	s.mux.HandleFunc("GET /runner/health", s.withInternalSecret(s.handleRunnerHealth))
}

// Start begins serving HTTP requests. It blocks until the server is shut
// down.
func (s *Server) Start() error {
	log.Printf("ash listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, spec.md §5 "Shutdown".
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
