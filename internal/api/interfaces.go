package api

import (
	"context"

	"github.com/m-koster/wegwerf/internal/admin"
	"github.com/m-koster/wegwerf/internal/session"
)

// SessionService abstracts the session lifecycle operations the handlers
// need.
type SessionService interface {
	Start(ctx context.Context, kind session.Kind, ownerID, target string) (*session.View, error)
	Stop(ctx context.Context, sessionID, ownerID string, bypassOwnership bool) error
	Extend(ctx context.Context, sessionID, ownerID string, additionalSeconds int, bypassOwnership bool) (*session.View, error)
	Status(ctx context.Context, sessionID, ownerID string, admin bool) (*session.View, error)
	List(ctx context.Context, ownerID string, admin bool) ([]session.View, error)
}

// AdminService abstracts the operator commands that reach into a session's
// container.
type AdminService interface {
	Exec(ctx context.Context, sessionID string, cmd []string) (*admin.ExecResult, error)
	Logs(ctx context.Context, sessionID string, tail int) (*admin.LogsResult, error)
	Resources(ctx context.Context, sessionID string) (*admin.ResourceReport, error)
}
