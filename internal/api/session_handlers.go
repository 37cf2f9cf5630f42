package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/m-koster/wegwerf/internal/session"
)

type startSessionRequest struct {
	// TargetURL is the page a browser session opens on. Ignored for desktop.
	TargetURL string `json:"target_url"`
	// Flavor selects the desktop image (e.g. "ubuntu"). Ignored for browser.
	Flavor string `json:"flavor"`
}

type startSessionResponse struct {
	SessionID        string    `json:"session_id"`
	Kind             string    `json:"kind"`
	EntryURL         string    `json:"entry_url"`
	ExpiresAt        time.Time `json:"expires_at"`
	RemainingSeconds int64     `json:"remaining_seconds"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	kind, err := session.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	// The body is optional: a bare start uses configured defaults.
	var req startSessionRequest
	if err := decodeJSONBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}

	target := req.TargetURL
	if kind == session.KindDesktop {
		target = req.Flavor
	}

	ownerID := ownerFrom(r)
	s.logger.Debug("start session request", "kind", kind, "owner_id", ownerID)

	view, err := s.sessions.Start(r.Context(), kind, ownerID, target)
	if err != nil {
		s.logger.Error("start session", "kind", kind, "owner_id", ownerID, "error", err)
		s.writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, startSessionResponse{
		SessionID:        view.ID,
		Kind:             string(view.Kind),
		EntryURL:         view.EntryURL,
		ExpiresAt:        view.ExpiresAt,
		RemainingSeconds: view.TimeLeftSeconds,
	})
}

type stopSessionRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if _, err := session.ParseKind(r.PathValue("kind")); err != nil {
		s.writeAPIError(w, err)
		return
	}

	var req stopSessionRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}
	if err := ValidateSessionID(req.SessionID); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	if err := s.sessions.Stop(r.Context(), req.SessionID, ownerFrom(r), isAdminFrom(r)); err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": req.SessionID,
		"status":     string(session.StatusStopped),
	})
}

type extendSessionRequest struct {
	SessionID         string `json:"session_id"`
	AdditionalSeconds int    `json:"additional_seconds"`
}

type extendSessionResponse struct {
	SessionID        string    `json:"session_id"`
	ExpiresAt        time.Time `json:"expires_at"`
	RemainingSeconds int64     `json:"remaining_seconds"`
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	if _, err := session.ParseKind(r.PathValue("kind")); err != nil {
		s.writeAPIError(w, err)
		return
	}

	var req extendSessionRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}
	if err := ValidateSessionID(req.SessionID); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	if req.AdditionalSeconds < 0 {
		writeValidationError(w, "additional_seconds must be non-negative", nil)
		return
	}

	view, err := s.sessions.Extend(r.Context(), req.SessionID, ownerFrom(r), req.AdditionalSeconds, isAdminFrom(r))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, extendSessionResponse{
		SessionID:        view.ID,
		ExpiresAt:        view.ExpiresAt,
		RemainingSeconds: view.TimeLeftSeconds,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	kind, err := session.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := ValidateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	view, err := s.sessions.Status(r.Context(), id, ownerFrom(r), isAdminFrom(r))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	// A session of the other kind under this route is as good as absent.
	if view.Kind != kind {
		s.writeAPIError(w, session.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type remainingTimeResponse struct {
	SessionID        string `json:"session_id"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	IsExpired        bool   `json:"is_expired"`
}

func (s *Server) handleRemainingTime(w http.ResponseWriter, r *http.Request) {
	kind, err := session.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := ValidateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	view, err := s.sessions.Status(r.Context(), id, ownerFrom(r), isAdminFrom(r))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	if view.Kind != kind {
		s.writeAPIError(w, session.ErrNotFound)
		return
	}

	writeJSON(w, http.StatusOK, remainingTimeResponse{
		SessionID:        view.ID,
		RemainingSeconds: view.TimeLeftSeconds,
		IsExpired:        view.TimeLeftSeconds <= 0,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	kind, err := session.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	views, err := s.sessions.List(r.Context(), ownerFrom(r), isAdminFrom(r))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	filtered := make([]session.View, 0, len(views))
	for _, v := range views {
		if v.Kind == kind {
			filtered = append(filtered, v)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}
