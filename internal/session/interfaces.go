package session

import (
	"context"
	"time"

	"github.com/m-koster/wegwerf/internal/docker"
	"github.com/m-koster/wegwerf/internal/events"
	"github.com/m-koster/wegwerf/internal/store"
)

// RuntimeClient is the slice of the container runtime the orchestrator
// consumes. Implemented by internal/docker.
type RuntimeClient interface {
	CreateContainer(ctx context.Context, opts docker.CreateOpts) (string, error)
	Inspect(ctx context.Context, containerID string) (*docker.InspectResult, error)
	IsRunning(ctx context.Context, containerID string) (bool, error)
	StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error
	RemoveContainer(ctx context.Context, containerID string) error
	Logs(ctx context.Context, containerID string, tail int) (string, error)
}

// RecordStore is the durable projection of sessions. The registry is
// authoritative while the process is up; the store is for recovery.
type RecordStore interface {
	CreateSession(rec *store.SessionRecord) error
	GetSession(id string) (*store.SessionRecord, error)
	ListSessions(ownerID string) ([]*store.SessionRecord, error)
	ListActiveSessions() ([]*store.SessionRecord, error)
	UpdateSessionStatus(id string, status string, stoppedAt *time.Time, lastError string) error
	UpdateSessionExpiry(id string, expiresAt time.Time) error
	SaveLogSnapshot(id string, content string) error
}

// EventPublisher receives lifecycle transitions for fan-out.
type EventPublisher interface {
	Publish(ev events.Event)
}
