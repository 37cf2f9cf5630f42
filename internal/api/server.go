package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/m-koster/wegwerf/internal/config"
	"github.com/m-koster/wegwerf/internal/events"
)

type Server struct {
	cfg      *config.Config
	sessions SessionService
	admin    AdminService
	bus      *events.Bus
	logger   *slog.Logger
	mux      *http.ServeMux
}

func NewServer(cfg *config.Config, sessions SessionService, adm AdminService, bus *events.Bus, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		admin:    adm,
		bus:      bus,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.identityMiddleware(s.requestIDMiddleware(s.mux))
}

func (s *Server) routes() {
	// Session lifecycle
	s.mux.HandleFunc("POST /v1/sessions/{kind}/start", s.handleStart)
	s.mux.HandleFunc("POST /v1/sessions/{kind}/stop", s.handleStop)
	s.mux.HandleFunc("POST /v1/sessions/{kind}/extend", s.handleExtend)
	s.mux.HandleFunc("GET /v1/sessions/{kind}/status/{id}", s.handleStatus)
	s.mux.HandleFunc("GET /v1/sessions/{kind}/remaining_time/{id}", s.handleRemainingTime)
	s.mux.HandleFunc("GET /v1/sessions/{kind}", s.handleList)

	// Lifecycle event stream
	s.mux.HandleFunc("GET /v1/sessions/events", s.handleEvents)

	// Operator commands
	s.mux.HandleFunc("POST /v1/admin/sessions/{id}/terminal", s.handleAdminExec)
	s.mux.HandleFunc("GET /v1/admin/sessions/{id}/logs", s.handleAdminLogs)
	s.mux.HandleFunc("GET /v1/admin/sessions/{id}/resources", s.handleAdminResources)

	// Health check (no auth)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
