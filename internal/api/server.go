// Package api exposes the sync engine over HTTP.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/database"
	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/engine"
	"github.com/SauloAssefAlves/sync-kommo-sub001/internal/kommo"
)

// Server routes REST requests to the orchestrator and the store.
type Server struct {
	log    zerolog.Logger
	db     *database.DB
	orch   *engine.Orchestrator
	router *mux.Router

	// newRemote builds the client used by the account connectivity check.
	newRemote engine.RemoteFactory
}

// Option configures the server.
type Option func(*Server)

// WithRemoteFactory overrides how connectivity-check clients are built.
func WithRemoteFactory(f engine.RemoteFactory) Option {
	return func(s *Server) { s.newRemote = f }
}

// NewServer wires the HTTP routes.
func NewServer(log zerolog.Logger, db *database.DB, orch *engine.Orchestrator, opts ...Option) *Server {
	s := &Server{
		log:  log,
		db:   db,
		orch: orch,
		newRemote: func(subdomain, accessToken string) engine.Remote {
			return kommo.NewClient(subdomain, accessToken)
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/sync/groups/{id:[0-9]+}", s.handleStartSync).Methods(http.MethodPost)
	apiRouter.HandleFunc("/sync/groups/{id:[0-9]+}/stop", s.handleStopSync).Methods(http.MethodPost)
	apiRouter.HandleFunc("/sync/groups/{id:[0-9]+}/report", s.handleReport).Methods(http.MethodGet)
	apiRouter.HandleFunc("/sync/groups/{id:[0-9]+}/logs", s.handleLogs).Methods(http.MethodGet)
	apiRouter.HandleFunc("/sync/groups/{id:[0-9]+}/mappings/{kind}", s.handleMappings).Methods(http.MethodGet)
	apiRouter.HandleFunc("/groups", s.handleListGroups).Methods(http.MethodGet)
	apiRouter.HandleFunc("/groups", s.handleCreateGroup).Methods(http.MethodPost)
	apiRouter.HandleFunc("/accounts", s.handleListAccounts).Methods(http.MethodGet)
	apiRouter.HandleFunc("/accounts", s.handleCreateAccount).Methods(http.MethodPost)
	apiRouter.HandleFunc("/accounts/{id:[0-9]+}/test", s.handleTestAccount).Methods(http.MethodPost)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
