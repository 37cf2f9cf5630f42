package session

import (
	"log/slog"
	"sync"
	"time"
)

// Scheduler owns at most one pending expiry timer per session. The fire
// callback is injected after construction because the Manager and the
// Scheduler reference each other.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	fire   func(sessionID string)
	logger *slog.Logger
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		timers: make(map[string]*time.Timer),
		logger: logger,
	}
}

// SetExpireFunc installs the callback invoked when a timer fires. Must be
// called before Arm.
func (s *Scheduler) SetExpireFunc(fire func(sessionID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fire = fire
}

// Arm schedules an expiry for the session at expiresAt. An existing timer
// for the same id is cancelled first, so no two timers for one session can
// coexist.
func (s *Scheduler) Arm(sessionID string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[sessionID]; ok {
		t.Stop()
		delete(s.timers, sessionID)
	}

	d := time.Until(expiresAt)
	if d < 0 {
		d = 0
	}

	s.timers[sessionID] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, sessionID)
		fire := s.fire
		s.mu.Unlock()

		if fire == nil {
			s.logger.Error("expiry timer fired with no expire func", "session_id", sessionID)
			return
		}
		s.logger.Debug("expiry timer fired", "session_id", sessionID)
		fire(sessionID)
	})
}

// Cancel drops any pending timer for the session. No-op when none exists.
func (s *Scheduler) Cancel(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[sessionID]; ok {
		t.Stop()
		delete(s.timers, sessionID)
	}
}

// Pending reports whether a timer is armed for the session.
func (s *Scheduler) Pending(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[sessionID]
	return ok
}

// Shutdown cancels all pending timers.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
