package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/m-koster/wegwerf/internal/config"
	"github.com/m-koster/wegwerf/internal/docker"
	"github.com/m-koster/wegwerf/internal/events"
	"github.com/m-koster/wegwerf/internal/routing"
	"github.com/m-koster/wegwerf/internal/store"
)

const (
	// exposedPort is the HTTP port both the chromium and webtop images serve
	// their UI on; the proxy routes session traffic to it.
	exposedPort = "3000/tcp"

	// logSnapshotTail bounds the log capture taken before a browser
	// container is torn down.
	logSnapshotTail = 500

	// expireTimeout bounds runtime teardown during a scheduled expiry.
	expireTimeout = 30 * time.Second

	// cleanupTimeout bounds removal of a half-created container after a
	// failed start.
	cleanupTimeout = 15 * time.Second
)

// Manager is the sole component that drives session state transitions and
// the only caller of destructive runtime operations.
type Manager struct {
	cfg       *config.Config
	registry  *Registry
	scheduler *Scheduler
	store     RecordStore
	runtime   RuntimeClient
	bus       EventPublisher
	logger    *slog.Logger

	// Per-owner concurrent-session slots. owned tracks which sessions hold a
	// slot so that sessions recovered from the store (which never acquired
	// one) do not over-release.
	slots   map[string]*semaphore.Weighted
	owned   map[string]string
	slotsMu sync.Mutex
}

func NewManager(cfg *config.Config, reg *Registry, sched *Scheduler, st RecordStore, rt RuntimeClient, bus EventPublisher, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:       cfg,
		registry:  reg,
		scheduler: sched,
		store:     st,
		runtime:   rt,
		bus:       bus,
		logger:    logger,
		slots:     make(map[string]*semaphore.Weighted),
		owned:     make(map[string]string),
	}
	sched.SetExpireFunc(m.Expire)
	return m
}

// Start provisions a fresh session: container create+start, readiness poll,
// registry insert, durable record, expiry timer, started event.
func (m *Manager) Start(ctx context.Context, kind Kind, ownerID, target string) (*View, error) {
	image, env, shm, autoRemove, err := m.resolveRuntimeConfig(kind, &target)
	if err != nil {
		return nil, err
	}

	if err := m.acquireSlot(ownerID); err != nil {
		return nil, err
	}

	id := NewID(kind)
	now := time.Now().UTC()
	rcfg := routing.Generate(id, string(kind), routing.Mode(m.cfg.Environment), m.cfg.Domain)

	sess := &Session{
		ID:        id,
		Kind:      kind,
		OwnerID:   ownerID,
		Status:    StatusStarting,
		EntryURL:  rcfg.EntryURL,
		Target:    target,
		CreatedAt: now,
	}
	m.registry.Put(sess)
	m.markOwned(id, ownerID)

	containerID, err := m.runtime.CreateContainer(ctx, docker.CreateOpts{
		SessionID:         id,
		Image:             image,
		Env:               env,
		Labels:            rcfg.Labels,
		ExposedPort:       exposedPort,
		ShmSize:           shm,
		NetworkName:       m.cfg.NetworkName,
		AutoRemove:        autoRemove,
		SeccompUnconfined: kind == KindBrowser,
		CPULimit:          m.cfg.Limits.CPULimit,
		MemLimitMB:        m.cfg.Limits.MemLimitMB,
		PidsLimit:         m.cfg.Limits.PidsLimit,
	})
	if err != nil {
		m.abortStart(sess, fmt.Sprintf("create container: %v", err))
		return nil, fmt.Errorf("%w: create container: %v", ErrRuntime, err)
	}
	sess.ContainerID = containerID
	m.registry.Put(sess)

	if err := m.waitUntilRunning(ctx, containerID); err != nil {
		// Best-effort cleanup of the half-created instance, on a fresh
		// context: the poll may have failed because ctx was canceled.
		rmCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		if rmErr := m.runtime.RemoveContainer(rmCtx, containerID); rmErr != nil {
			m.logger.Error("cleanup after failed start", "session_id", id, "error", rmErr)
		}
		cancel()
		m.abortStart(sess, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrRuntime, err)
	}

	// The proxy discovers the new routing rule asynchronously; give it a
	// moment so the entry URL is actually routable when handed out.
	settle := time.Duration(m.cfg.Readiness.SettleMs) * time.Millisecond
	select {
	case <-time.After(settle):
	case <-ctx.Done():
	}

	ttl := time.Duration(m.cfg.DefaultTTLSeconds) * time.Second
	sess.Status = StatusRunning
	sess.ExpiresAt = time.Now().UTC().Add(ttl)
	m.registry.Put(sess)

	// The registry is authoritative; a failed durable write is logged, not
	// fatal.
	if err := m.store.CreateSession(&store.SessionRecord{
		ID:          sess.ID,
		OwnerID:     sess.OwnerID,
		Kind:        string(sess.Kind),
		Status:      string(sess.Status),
		EntryURL:    sess.EntryURL,
		ContainerID: sess.ContainerID,
		Target:      sess.Target,
		CreatedAt:   sess.CreatedAt,
		ExpiresAt:   sess.ExpiresAt,
	}); err != nil {
		m.logger.Error("persist session record", "session_id", id, "error", err)
	}

	m.scheduler.Arm(id, sess.ExpiresAt)

	m.bus.Publish(events.Event{
		Action:           events.ActionStarted,
		Kind:             string(sess.Kind),
		SessionID:        sess.ID,
		OwnerID:          sess.OwnerID,
		Status:           string(sess.Status),
		RemainingSeconds: int64(ttl.Seconds()),
	})

	m.logger.Info("session started", "session_id", id, "kind", kind, "owner_id", ownerID, "container_id", shortID(containerID))

	v := sess.view(time.Now().UTC())
	return &v, nil
}

// Stop tears a session down on explicit request. Idempotent: a session that
// is already gone resolves to ErrNotFound, which callers treat as the
// desired end state.
func (m *Manager) Stop(ctx context.Context, sessionID, ownerID string, bypassOwnership bool) error {
	mu := m.registry.Lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if !bypassOwnership && sess.OwnerID != ownerID {
		return ErrNotFound
	}
	if !sess.Status.Live() {
		return ErrNotFound
	}

	return m.terminate(ctx, sess, StatusStopped, events.ActionStopped, false)
}

// Extend pushes the session's expiry further out. The new expiry is always
// relative to the current expiresAt, never to wall-clock now: a session with
// 4m45s left extended by 5m has 9m45s left.
func (m *Manager) Extend(ctx context.Context, sessionID, ownerID string, additionalSeconds int, bypassOwnership bool) (*View, error) {
	if additionalSeconds <= 0 {
		additionalSeconds = m.cfg.ExtendSeconds
	}

	mu := m.registry.Lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !bypassOwnership && sess.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	if !sess.Status.Live() {
		return nil, ErrNotFound
	}

	now := time.Now().UTC()
	if !sess.ExpiresAt.After(now) {
		return nil, ErrAlreadyExpired
	}

	// Registry entries are immutable; publish the new expiry as a copy.
	next := *sess
	next.ExpiresAt = sess.ExpiresAt.Add(time.Duration(additionalSeconds) * time.Second)
	next.Status = StatusExtended
	m.registry.Put(&next)
	sess = &next

	m.scheduler.Arm(sessionID, sess.ExpiresAt)

	if err := m.store.UpdateSessionExpiry(sessionID, sess.ExpiresAt); err != nil {
		m.logger.Error("persist session expiry", "session_id", sessionID, "error", err)
	}
	if err := m.store.UpdateSessionStatus(sessionID, string(StatusExtended), nil, ""); err != nil {
		m.logger.Error("persist session status", "session_id", sessionID, "error", err)
	}

	remaining := sess.ExpiresAt.Sub(now)
	m.bus.Publish(events.Event{
		Action:           events.ActionExtended,
		Kind:             string(sess.Kind),
		SessionID:        sess.ID,
		OwnerID:          sess.OwnerID,
		Status:           string(sess.Status),
		RemainingSeconds: int64(remaining.Seconds()),
	})

	m.logger.Info("session extended", "session_id", sessionID, "added_seconds", additionalSeconds, "expires_at", sess.ExpiresAt)

	v := sess.view(now)
	return &v, nil
}

// Expire is the scheduled-firing path; also driven by the sweep. It
// revalidates liveness under the session lock before tearing down, so a
// timer that fired during an in-flight manual stop is a no-op.
func (m *Manager) Expire(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
	defer cancel()

	mu := m.registry.Lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, ok := m.registry.Peek(sessionID)
	if !ok || !sess.Status.Live() {
		return
	}
	if sess.ExpiresAt.After(time.Now().UTC()) {
		// Extended while the fire was in flight; the new timer is armed.
		return
	}

	if err := m.terminate(ctx, sess, StatusExpired, events.ActionExpired, true); err != nil {
		m.logger.Error("expire session", "session_id", sessionID, "error", err)
	}
}

// Status returns a read-only view. A session owned by someone else is
// indistinguishable from an absent one.
func (m *Manager) Status(ctx context.Context, sessionID, ownerID string, admin bool) (*View, error) {
	sess, err := m.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !admin && sess.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	v := sess.view(time.Now().UTC())
	return &v, nil
}

// List returns value copies of the caller's sessions; admins see all.
func (m *Manager) List(ctx context.Context, ownerID string, admin bool) ([]View, error) {
	if admin {
		return m.registry.List(""), nil
	}
	return m.registry.List(ownerID), nil
}

// Recover rebuilds registry state from the record store after a process
// restart: still-running containers get their sessions re-armed, vanished
// ones are marked errored. Expired-but-live records are re-armed with a
// zero delay and reclaimed through the normal expire path.
func (m *Manager) Recover(ctx context.Context) {
	recs, err := m.store.ListActiveSessions()
	if err != nil {
		m.logger.Error("recovery: list active sessions", "error", err)
		return
	}

	for _, rec := range recs {
		if _, resident := m.registry.Peek(rec.ID); resident {
			continue
		}

		running, err := m.runtime.IsRunning(ctx, rec.ContainerID)
		if err != nil {
			m.logger.Warn("recovery: inspect container", "session_id", rec.ID, "error", err)
			continue
		}
		if !running {
			m.logger.Warn("recovery: container gone, marking errored", "session_id", rec.ID)
			now := time.Now().UTC()
			if err := m.store.UpdateSessionStatus(rec.ID, string(StatusError), &now, "container not running at recovery"); err != nil {
				m.logger.Error("recovery: update status", "session_id", rec.ID, "error", err)
			}
			continue
		}

		sess, err := m.registry.Get(rec.ID)
		if err != nil {
			m.logger.Error("recovery: rebuild session", "session_id", rec.ID, "error", err)
			continue
		}
		m.scheduler.Arm(sess.ID, sess.ExpiresAt)
		m.logger.Info("recovered session", "session_id", sess.ID, "expires_at", sess.ExpiresAt)
	}
}

// SweepExpired reclaims any session whose expiry has passed: resident ones
// first, then store records that are not resident (lost timers, records
// written by a previous process). Defense in depth against timer loss.
func (m *Manager) SweepExpired(ctx context.Context) int {
	now := time.Now().UTC()
	reaped := 0

	for _, id := range m.registry.ExpiredIDs(now) {
		m.Expire(id)
		reaped++
	}

	recs, err := m.store.ListActiveSessions()
	if err != nil {
		m.logger.Error("sweep: list active sessions", "error", err)
		return reaped
	}
	for _, rec := range recs {
		if rec.ExpiresAt.After(now) {
			continue
		}
		if _, resident := m.registry.Peek(rec.ID); resident {
			continue
		}
		// Pull the record into the registry, then reclaim through the
		// ordinary expire path.
		if _, err := m.registry.Get(rec.ID); err != nil {
			continue
		}
		m.Expire(rec.ID)
		reaped++
	}

	return reaped
}

// terminate performs runtime teardown and the terminal transition. With
// force set (scheduled expiry), a failed runtime stop still removes the
// session from the registry: nothing may stay live past its expiry.
func (m *Manager) terminate(ctx context.Context, sess *Session, terminal Status, action events.Action, force bool) error {
	// Cancel the pending expiry timer strictly before any runtime teardown,
	// so the scheduler and this path cannot race to remove the container.
	m.scheduler.Cancel(sess.ID)

	// Browser containers self-remove on stop; capture logs now or lose them.
	if sess.Kind == KindBrowser && sess.ContainerID != "" {
		if logs, err := m.runtime.Logs(ctx, sess.ContainerID, logSnapshotTail); err == nil && logs != "" {
			if err := m.store.SaveLogSnapshot(sess.ID, logs); err != nil {
				m.logger.Warn("save log snapshot", "session_id", sess.ID, "error", err)
			}
		}
	}

	var lastError string
	if sess.ContainerID != "" {
		stopErr := m.runtime.StopContainer(ctx, sess.ContainerID, m.cfg.StopTimeoutSeconds)
		if stopErr == nil {
			stopErr = m.runtime.RemoveContainer(ctx, sess.ContainerID)
		}
		if stopErr != nil {
			if !force {
				// Manual stop: leave the session live and re-arm its timer so
				// expiry enforcement survives the failed attempt.
				m.scheduler.Arm(sess.ID, sess.ExpiresAt)
				return fmt.Errorf("%w: %v", ErrRuntime, stopErr)
			}
			lastError = stopErr.Error()
			m.logger.Error("teardown failed during expiry, removing session anyway", "session_id", sess.ID, "error", stopErr)
		}
	}

	now := time.Now().UTC()
	if err := m.store.UpdateSessionStatus(sess.ID, string(terminal), &now, lastError); err != nil {
		m.logger.Error("persist terminal status", "session_id", sess.ID, "error", err)
	}

	m.registry.Remove(sess.ID)
	m.registry.ReleaseLock(sess.ID)
	m.releaseSlot(sess.ID)

	m.bus.Publish(events.Event{
		Action:    action,
		Kind:      string(sess.Kind),
		SessionID: sess.ID,
		OwnerID:   sess.OwnerID,
		Status:    string(terminal),
	})

	m.logger.Info("session terminated", "session_id", sess.ID, "status", terminal)
	return nil
}

func (m *Manager) abortStart(sess *Session, reason string) {
	m.registry.Remove(sess.ID)
	m.registry.ReleaseLock(sess.ID)
	m.releaseSlot(sess.ID)

	now := time.Now().UTC()
	if err := m.store.CreateSession(&store.SessionRecord{
		ID:          sess.ID,
		OwnerID:     sess.OwnerID,
		Kind:        string(sess.Kind),
		Status:      string(StatusError),
		ContainerID: sess.ContainerID,
		Target:      sess.Target,
		CreatedAt:   sess.CreatedAt,
		ExpiresAt:   now,
		LastError:   reason,
	}); err != nil {
		m.logger.Error("persist errored session", "session_id", sess.ID, "error", err)
	}
}

// waitUntilRunning polls container inspection until the instance reports
// running, up to a bounded number of attempts with fixed backoff.
func (m *Manager) waitUntilRunning(ctx context.Context, containerID string) error {
	interval := time.Duration(m.cfg.Readiness.IntervalMs) * time.Millisecond
	attempts := m.cfg.Readiness.MaxAttempts

	for i := 0; i < attempts; i++ {
		info, err := m.runtime.Inspect(ctx, containerID)
		if err == nil && info.Running {
			return nil
		}
		if err != nil {
			m.logger.Debug("readiness poll", "container_id", shortID(containerID), "attempt", i+1, "error", err)
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return fmt.Errorf("readiness poll: %w", ctx.Err())
		}
	}
	return fmt.Errorf("container did not reach running state after %d attempts", attempts)
}

func (m *Manager) resolveRuntimeConfig(kind Kind, target *string) (image string, env []string, shm int64, autoRemove bool, err error) {
	baseEnv := []string{"PUID=1000", "PGID=1000", "TZ=UTC"}

	switch kind {
	case KindBrowser:
		if *target == "" {
			*target = m.cfg.Browser.DefaultTargetURL
		}
		env = append(baseEnv,
			"CHROME_CLI="+*target,
			"CHROME_OPTS=--no-sandbox --disable-dev-shm-usage",
		)
		return m.cfg.Browser.Image, env, m.cfg.BrowserShmBytes(), true, nil

	case KindDesktop:
		img, ok := m.cfg.Desktop.Images[*target]
		if !ok {
			return "", nil, 0, false, fmt.Errorf("%w: unknown desktop flavor %q", ErrValidation, *target)
		}
		return img, baseEnv, m.cfg.DesktopShmBytes(), false, nil
	}

	return "", nil, 0, false, fmt.Errorf("%w: unknown session kind %q", ErrValidation, kind)
}

// shortID truncates a container id for log output.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func (m *Manager) acquireSlot(ownerID string) error {
	if m.cfg.MaxSessionsPerOwner <= 0 {
		return nil
	}
	m.slotsMu.Lock()
	sem, ok := m.slots[ownerID]
	if !ok {
		sem = semaphore.NewWeighted(int64(m.cfg.MaxSessionsPerOwner))
		m.slots[ownerID] = sem
	}
	m.slotsMu.Unlock()

	if !sem.TryAcquire(1) {
		return fmt.Errorf("%w: limit %d", ErrTooManySessions, m.cfg.MaxSessionsPerOwner)
	}
	return nil
}

func (m *Manager) markOwned(sessionID, ownerID string) {
	if m.cfg.MaxSessionsPerOwner <= 0 {
		return
	}
	m.slotsMu.Lock()
	m.owned[sessionID] = ownerID
	m.slotsMu.Unlock()
}

// releaseSlot frees the owner slot held by sessionID, if this process
// acquired one for it.
func (m *Manager) releaseSlot(sessionID string) {
	if m.cfg.MaxSessionsPerOwner <= 0 {
		return
	}
	m.slotsMu.Lock()
	defer m.slotsMu.Unlock()
	ownerID, ok := m.owned[sessionID]
	if !ok {
		return
	}
	delete(m.owned, sessionID)
	if sem, ok := m.slots[ownerID]; ok {
		sem.Release(1)
	}
}
