package session

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry is the authoritative in-memory map of live sessions. Resident
// sessions are immutable snapshots: a state change is published by putting
// an updated copy, never by writing fields of a resident struct, so readers
// holding a pointer from Get or Peek never race a writer. The per-session
// lock obtained via Lock serializes whole transitions per id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store RecordStore

	// Per-session mutexes serializing stop/extend/expiry per id.
	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

func NewRegistry(st RecordStore) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		store:    st,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Lock returns the mutex serializing all mutating operations for a session
// id. Unrelated sessions proceed fully in parallel.
func (r *Registry) Lock(id string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	mu, ok := r.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[id] = mu
	}
	return mu
}

// ReleaseLock drops the per-session mutex after a terminal transition.
func (r *Registry) ReleaseLock(id string) {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	delete(r.locks, id)
}

// Get returns the live session for id, a read-only snapshot. On a memory
// miss it falls back to the record store and, for records still marked
// live, reconstructs the session in memory — the recovery path after a
// process restart. Terminal records resolve to ErrNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return sess, nil
	}

	rec, err := r.store.GetSession(id)
	if err != nil {
		return nil, fmt.Errorf("registry store lookup: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}

	status := Status(rec.Status)
	if !status.Live() {
		return nil, ErrNotFound
	}

	recovered := &Session{
		ID:          rec.ID,
		Kind:        Kind(rec.Kind),
		OwnerID:     rec.OwnerID,
		ContainerID: rec.ContainerID,
		Status:      status,
		EntryURL:    rec.EntryURL,
		Target:      rec.Target,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another goroutine may have recovered it first.
	if existing, ok := r.sessions[id]; ok {
		return existing, nil
	}
	r.sessions[id] = recovered
	return recovered, nil
}

// Peek returns the session only if it is resident in memory.
func (r *Registry) Peek(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Put upserts a session. The registry stores its own copy, so the caller's
// struct stays private and the previous resident snapshot is left intact
// for readers that already hold it.
func (r *Registry) Put(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sess
	r.sessions[sess.ID] = &cp
}

// Remove deletes a session. Called exactly once per terminal transition.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns value copies of all sessions, or only those owned by ownerID
// when it is non-empty. Ordered newest first, like the store.
func (r *Registry) List(ownerID string) []View {
	now := time.Now().UTC()

	r.mu.RLock()
	views := make([]View, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if ownerID != "" && sess.OwnerID != ownerID {
			continue
		}
		views = append(views, sess.view(now))
	}
	r.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	return views
}

// ExpiredIDs returns ids of resident sessions whose expiry has passed while
// still marked live. Input for the sweep.
func (r *Registry) ExpiredIDs(now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, sess := range r.sessions {
		if sess.Status.Live() && !sess.ExpiresAt.After(now) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len reports the number of resident sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
