// Package adminapi provides the read-only HTTP admin surface over the
// Command Loop: a chi router exposing /healthz plus JWT-protected program
// and dispatcher listings (spec.md §6, "External RPC surface (admin CLI /
// API)").
package adminapi

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bpfd-dev/bpfd/internal/program"
)

// Backend is the subset of *bpfd.Daemon the admin API depends on.
type Backend interface {
	List(ctx context.Context) ([]program.Summary, error)
	Dispatchers(ctx context.Context) ([]program.Dispatcher, error)
}

// Server holds the dependencies needed by the admin HTTP handlers.
type Server struct {
	backend Backend
}

// NewServer returns a Server backed by backend.
func NewServer(backend Backend) *Server {
	return &Server{backend: backend}
}

// NewRouter returns a configured chi.Router for the admin API.
//
// Route layout:
//
//	GET /healthz              – liveness probe (no authentication required)
//	GET /api/v1/programs      – list loaded programs (JWT required)
//	GET /api/v1/dispatchers   – list live dispatchers (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation, useful in tests that
// cover only request parsing and response formatting.
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}
		r.Get("/programs", srv.handleGetPrograms)
		r.Get("/dispatchers", srv.handleGetDispatchers)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleGetPrograms responds to GET /api/v1/programs with the registry's
// current program summaries.
func (s *Server) handleGetPrograms(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.backend.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list programs")
		return
	}
	if summaries == nil {
		summaries = []program.Summary{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(summaries)
}

// handleGetDispatchers responds to GET /api/v1/dispatchers with every
// currently live dispatcher.
func (s *Server) handleGetDispatchers(w http.ResponseWriter, r *http.Request) {
	dispatchers, err := s.backend.Dispatchers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dispatchers")
		return
	}
	if dispatchers == nil {
		dispatchers = []program.Dispatcher{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(dispatchers)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
