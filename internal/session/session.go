package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the flavor of execution environment a session provides.
type Kind string

const (
	KindBrowser Kind = "browser"
	KindDesktop Kind = "desktop"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindBrowser, KindDesktop:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: unknown session kind %q", ErrValidation, s)
}

// idPrefix gives session ids a human-debuggable prefix so a bare id in logs
// or docker ps is self-describing.
func (k Kind) idPrefix() string {
	return string(k) + "-session_"
}

// Status is the session lifecycle state. Transitions are owned exclusively
// by the Manager.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExtended Status = "extended"
	StatusStopped  Status = "stopped"
	StatusExpired  Status = "expired"
	StatusError    Status = "error"
)

// Live reports whether the session still has a backing container and a
// pending expiry.
func (s Status) Live() bool {
	return s == StatusRunning || s == StatusExtended
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusExpired || s == StatusError
}

// NewID generates a fresh session id: kind prefix plus 12 hex chars of a
// UUID. Lowercase and DNS-safe, since the id becomes a hostname label.
func NewID(kind Kind) string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return kind.idPrefix() + raw[:12]
}

// Session is the authoritative in-memory representation. Owned by the
// Registry; only the Manager mutates it, under the per-session lock.
type Session struct {
	ID          string
	Kind        Kind
	OwnerID     string
	ContainerID string
	Status      Status
	EntryURL    string
	Target      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	LastError   string
}

// View is a value copy handed to callers. It never aliases registry state.
type View struct {
	ID              string    `json:"session_id"`
	Kind            Kind      `json:"kind"`
	OwnerID         string    `json:"owner_id"`
	Status          Status    `json:"status"`
	EntryURL        string    `json:"entry_url"`
	Target          string    `json:"target"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	TimeLeftSeconds int64     `json:"time_left_seconds"`
}

func (s *Session) view(now time.Time) View {
	left := s.ExpiresAt.Sub(now)
	if left < 0 || s.Status.Terminal() {
		left = 0
	}
	return View{
		ID:              s.ID,
		Kind:            s.Kind,
		OwnerID:         s.OwnerID,
		Status:          s.Status,
		EntryURL:        s.EntryURL,
		Target:          s.Target,
		CreatedAt:       s.CreatedAt,
		ExpiresAt:       s.ExpiresAt,
		TimeLeftSeconds: int64(left.Seconds()),
	}
}
