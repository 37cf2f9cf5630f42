package api

import (
	"net/http"
	"strconv"
)

type adminExecRequest struct {
	Command []string `json:"command"`
}

func (s *Server) handleAdminExec(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := ValidateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	var req adminExecRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}
	if len(req.Command) == 0 {
		writeValidationError(w, "command is required", nil)
		return
	}

	s.logger.Info("admin terminal command", "session_id", id, "cmd", req.Command[0])
	res, err := s.admin.Exec(r.Context(), id, req.Command)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := ValidateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	tail := 0
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeValidationError(w, "tail must be an integer", nil)
			return
		}
		tail = n
	}

	res, err := s.admin.Logs(r.Context(), id, tail)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdminResources(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := ValidateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	report, err := s.admin.Resources(r.Context(), id)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
