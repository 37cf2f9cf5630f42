package reaper

import (
	"context"

	"github.com/m-koster/wegwerf/internal/docker"
	"github.com/m-koster/wegwerf/internal/session"
)

// SessionSweeper is the slice of the session manager the reaper drives.
type SessionSweeper interface {
	Recover(ctx context.Context)
	SweepExpired(ctx context.Context) int
}

// SessionIndex answers whether a session is currently resident.
type SessionIndex interface {
	Peek(sessionID string) (*session.Session, bool)
}

// RuntimeJanitor abstracts the container operations orphan reclamation needs.
type RuntimeJanitor interface {
	ListSessionContainers(ctx context.Context) ([]docker.ContainerInfo, error)
	RemoveContainer(ctx context.Context, containerID string) error
}
