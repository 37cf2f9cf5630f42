package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	ownerIDKey   contextKey = "owner_id"
	isAdminKey   contextKey = "is_admin"
)

// identityMiddleware resolves the caller. The X-User-ID header carries an
// already-authenticated principal (auth itself lives at the edge); a valid
// admin bearer token marks the request admin-scoped. Admin routes require
// the token, session routes require an identity.
func (s *Server) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		if path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		isAdmin := s.isAdminRequest(r)
		ownerID := strings.TrimSpace(r.Header.Get("X-User-ID"))

		if strings.HasPrefix(path, "/v1/admin/") {
			if !isAdmin {
				writeUnauthorizedError(w, "admin token required")
				return
			}
		} else if ownerID == "" && !isAdmin {
			writeUnauthorizedError(w, "missing X-User-ID header")
			return
		}

		ctx := context.WithValue(r.Context(), ownerIDKey, ownerID)
		ctx = context.WithValue(ctx, isAdminKey, isAdmin)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) isAdminRequest(r *http.Request) bool {
	if s.cfg.AdminAPIKey == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	return token != auth && token == s.cfg.AdminAPIKey
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()[:8]
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerIDKey).(string)
	return owner
}

func isAdminFrom(r *http.Request) bool {
	admin, _ := r.Context().Value(isAdminKey).(bool)
	return admin
}
