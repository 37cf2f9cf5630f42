package session

import "errors"

// Sentinel errors. The API layer maps these onto status codes; everything
// else surfaces as a generic internal error.
var (
	// ErrNotFound covers both a genuinely absent session and one owned by a
	// different principal. The two cases are deliberately indistinguishable
	// so callers cannot probe for other users' sessions.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyExpired rejects extending a session past its expiry. Callers
	// must start a new session instead.
	ErrAlreadyExpired = errors.New("session already expired")

	// ErrValidation is the client's fault: unknown kind, unknown desktop
	// flavor, bad parameter.
	ErrValidation = errors.New("invalid request")

	// ErrContainerUnavailable means the runtime instance vanished while the
	// session record still references it.
	ErrContainerUnavailable = errors.New("container unavailable")

	// ErrNotRunning rejects out-of-band commands against a container that no
	// longer reports running.
	ErrNotRunning = errors.New("session not running")

	// ErrLogsUnavailable means neither live logs nor a persisted snapshot
	// exist for the session.
	ErrLogsUnavailable = errors.New("logs unavailable")

	// ErrRuntime wraps transport or daemon failures talking to the container
	// runtime.
	ErrRuntime = errors.New("container runtime error")

	// ErrTooManySessions is returned when an owner is at their concurrent
	// session limit.
	ErrTooManySessions = errors.New("too many concurrent sessions")
)
