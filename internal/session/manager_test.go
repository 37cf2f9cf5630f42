package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/m-koster/wegwerf/internal/docker"
	"github.com/m-koster/wegwerf/internal/events"
	"github.com/m-koster/wegwerf/internal/store"
	"github.com/m-koster/wegwerf/internal/testutil"
)

type managerFixture struct {
	mgr   *Manager
	rt    *MockRuntimeClient
	st    *store.Store
	reg   *Registry
	sched *Scheduler
	bus   *captureBus
}

func newTestManager(t *testing.T) *managerFixture {
	t.Helper()
	cfg := testutil.TestConfig()
	st := testutil.NewTestStore(t)
	rt := &MockRuntimeClient{}
	reg := NewRegistry(st)
	sched := NewScheduler(testLogger())
	bus := &captureBus{}
	mgr := NewManager(cfg, reg, sched, st, rt, bus, testLogger())
	t.Cleanup(sched.Shutdown)
	return &managerFixture{mgr: mgr, rt: rt, st: st, reg: reg, sched: sched, bus: bus}
}

// insert places a live session in both registry and store, as Start would.
func (f *managerFixture) insert(t *testing.T, sess *Session) {
	t.Helper()
	f.reg.Put(sess)
	require.NoError(t, f.st.CreateSession(&store.SessionRecord{
		ID:          sess.ID,
		OwnerID:     sess.OwnerID,
		Kind:        string(sess.Kind),
		Status:      string(sess.Status),
		EntryURL:    sess.EntryURL,
		ContainerID: sess.ContainerID,
		Target:      sess.Target,
		CreatedAt:   sess.CreatedAt,
		ExpiresAt:   sess.ExpiresAt,
	}))
}

func TestStartBrowserSession(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	f.rt.On("CreateContainer", mock.Anything, mock.MatchedBy(func(opts docker.CreateOpts) bool {
		return opts.Image == "linuxserver/chromium:latest" &&
			opts.AutoRemove &&
			opts.SeccompUnconfined &&
			opts.Labels["traefik.enable"] == "true" &&
			strings.HasPrefix(opts.SessionID, "browser-session_")
	})).Return("ctr-browser-1", nil).Once()
	f.rt.On("Inspect", mock.Anything, "ctr-browser-1").Return(&docker.InspectResult{Running: true}, nil)

	view, err := f.mgr.Start(ctx, KindBrowser, "alice", "https://example.org")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(view.ID, "browser-session_"))
	assert.Equal(t, StatusRunning, view.Status)
	assert.Equal(t, "http://"+view.ID+".localhost", view.EntryURL)
	assert.Equal(t, "https://example.org", view.Target)
	assert.InDelta(t, 300, view.TimeLeftSeconds, 3)

	// Durable record written.
	rec, err := f.st.GetSession(view.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "running", rec.Status)
	assert.Equal(t, "ctr-browser-1", rec.ContainerID)

	// Expiry timer armed, started event published.
	assert.True(t, f.sched.Pending(view.ID))
	ev, ok := f.bus.last()
	require.True(t, ok)
	assert.Equal(t, events.ActionStarted, ev.Action)
	assert.Equal(t, "alice", ev.OwnerID)

	f.rt.AssertExpectations(t)
}

func TestStartBrowserDefaultsTargetURL(t *testing.T) {
	f := newTestManager(t)

	var gotEnv []string
	f.rt.On("CreateContainer", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		gotEnv = args.Get(1).(docker.CreateOpts).Env
	}).Return("ctr-1", nil).Once()
	f.rt.On("Inspect", mock.Anything, "ctr-1").Return(&docker.InspectResult{Running: true}, nil)

	view, err := f.mgr.Start(context.Background(), KindBrowser, "alice", "")
	require.NoError(t, err)

	assert.Equal(t, "https://duckduckgo.com", view.Target)
	assert.Contains(t, gotEnv, "CHROME_CLI=https://duckduckgo.com")
}

func TestStartDesktopSession(t *testing.T) {
	f := newTestManager(t)

	f.rt.On("CreateContainer", mock.Anything, mock.MatchedBy(func(opts docker.CreateOpts) bool {
		return opts.Image == "linuxserver/webtop:ubuntu-xfce" &&
			!opts.AutoRemove &&
			strings.HasPrefix(opts.SessionID, "desktop-session_") &&
			opts.Labels["traefik.http.routers.wegwerf-"+opts.SessionID+".priority"] == "100"
	})).Return("ctr-desk-1", nil).Once()
	f.rt.On("Inspect", mock.Anything, "ctr-desk-1").Return(&docker.InspectResult{Running: true}, nil)

	view, err := f.mgr.Start(context.Background(), KindDesktop, "bob", "ubuntu")
	require.NoError(t, err)
	assert.Equal(t, KindDesktop, view.Kind)
	f.rt.AssertExpectations(t)
}

func TestStartUnknownDesktopFlavor(t *testing.T) {
	f := newTestManager(t)

	_, err := f.mgr.Start(context.Background(), KindDesktop, "bob", "temple-os")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	f.rt.AssertNotCalled(t, "CreateContainer")
}

func TestStartCreateFailureCleansUp(t *testing.T) {
	f := newTestManager(t)

	f.rt.On("CreateContainer", mock.Anything, mock.Anything).Return("", errors.New("no such image")).Once()

	_, err := f.mgr.Start(context.Background(), KindBrowser, "alice", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRuntime))

	// Nothing left resident; errored record persisted for diagnostics.
	assert.Equal(t, 0, f.reg.Len())
	recs, err := f.st.ListSessions("alice")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "error", recs[0].Status)
	assert.Contains(t, recs[0].LastError, "no such image")

	// The slot is free again.
	f.rt.On("CreateContainer", mock.Anything, mock.Anything).Return("ctr-2", nil).Once()
	f.rt.On("Inspect", mock.Anything, "ctr-2").Return(&docker.InspectResult{Running: true}, nil)
	_, err = f.mgr.Start(context.Background(), KindBrowser, "alice", "")
	require.NoError(t, err)
}

func TestStartReadinessTimeoutRemovesContainer(t *testing.T) {
	f := newTestManager(t)

	f.rt.On("CreateContainer", mock.Anything, mock.Anything).Return("ctr-1", nil).Once()
	f.rt.On("Inspect", mock.Anything, "ctr-1").Return(&docker.InspectResult{Running: false, Status: "created"}, nil)
	f.rt.On("RemoveContainer", mock.Anything, "ctr-1").Return(nil).Once()

	_, err := f.mgr.Start(context.Background(), KindBrowser, "alice", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRuntime))
	assert.Equal(t, 0, f.reg.Len())
	f.rt.AssertExpectations(t)
}

func TestStartCanceledRequestStillRemovesContainer(t *testing.T) {
	f := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())

	f.rt.On("CreateContainer", mock.Anything, mock.Anything).Return("ctr-1", nil).Once()
	f.rt.On("Inspect", mock.Anything, "ctr-1").Run(func(mock.Arguments) {
		cancel()
	}).Return(&docker.InspectResult{Running: false, Status: "created"}, nil)
	// Cleanup must run on a live context even though the request's is gone.
	f.rt.On("RemoveContainer", mock.MatchedBy(func(ctx context.Context) bool {
		return ctx.Err() == nil
	}), "ctr-1").Return(nil).Once()

	_, err := f.mgr.Start(ctx, KindBrowser, "alice", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRuntime))
	assert.Equal(t, 0, f.reg.Len())
	f.rt.AssertExpectations(t)
}

func TestConcurrentReadsDuringStart(t *testing.T) {
	f := newTestManager(t)

	// Readiness needs a second poll, so the readers below overlap the
	// starting→running transition.
	f.rt.On("CreateContainer", mock.Anything, mock.Anything).Return("ctr-1", nil).Once()
	f.rt.On("Inspect", mock.Anything, "ctr-1").Return(&docker.InspectResult{Running: false, Status: "created"}, nil).Once()
	f.rt.On("Inspect", mock.Anything, "ctr-1").Return(&docker.InspectResult{Running: true}, nil)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				for _, v := range f.reg.List("") {
					// A listed session is a consistent snapshot: running
					// implies the expiry has been set.
					if v.Status == StatusRunning && v.ExpiresAt.IsZero() {
						t.Error("running session without expiry")
						return
					}
				}
			}
		}()
	}

	view, err := f.mgr.Start(context.Background(), KindBrowser, "alice", "")
	close(done)
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, view.Status)
}

func TestConcurrentExtendAndList(t *testing.T) {
	f := newTestManager(t)

	sess := liveSession("browser-session_s1", "alice", 5*time.Minute)
	f.insert(t, sess)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				f.reg.List("alice")
				f.mgr.Status(context.Background(), sess.ID, "alice", false)
			}
		}()
	}

	for i := 0; i < 10; i++ {
		_, err := f.mgr.Extend(context.Background(), sess.ID, "alice", 30, false)
		require.NoError(t, err)
	}
	close(done)
	wg.Wait()

	view, err := f.mgr.Status(context.Background(), sess.ID, "alice", false)
	require.NoError(t, err)
	// 300s initial + 10×30s, none lost to a concurrent reader.
	assert.InDelta(t, 600, view.TimeLeftSeconds, 3)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	sess := liveSession("browser-session_s1", "alice", 5*time.Minute)
	f.insert(t, sess)
	f.sched.Arm(sess.ID, sess.ExpiresAt)

	f.rt.On("Logs", mock.Anything, sess.ContainerID, logSnapshotTail).Return("boot ok\n", nil).Once()
	f.rt.On("StopContainer", mock.Anything, sess.ContainerID, 1).Return(nil).Once()
	f.rt.On("RemoveContainer", mock.Anything, sess.ContainerID).Return(nil).Once()

	require.NoError(t, f.mgr.Stop(ctx, sess.ID, "alice", false))

	// Timer gone, registry empty, record terminal, log snapshot saved.
	assert.False(t, f.sched.Pending(sess.ID))
	assert.Equal(t, 0, f.reg.Len())
	rec, _ := f.st.GetSession(sess.ID)
	assert.Equal(t, "stopped", rec.Status)
	require.NotNil(t, rec.StoppedAt)
	snapshot, err := f.st.GetLogSnapshot(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "boot ok\n", snapshot)

	// Second stop resolves to not-found, with no further runtime calls.
	err = f.mgr.Stop(ctx, sess.ID, "alice", false)
	assert.True(t, errors.Is(err, ErrNotFound))
	f.rt.AssertExpectations(t)
}

func TestStopByNonOwnerBehavesLikeAbsent(t *testing.T) {
	f := newTestManager(t)

	sess := liveSession("browser-session_s1", "alice", 5*time.Minute)
	f.insert(t, sess)
	f.sched.Arm(sess.ID, sess.ExpiresAt)

	err := f.mgr.Stop(context.Background(), sess.ID, "mallory", false)
	assert.True(t, errors.Is(err, ErrNotFound))

	// Session untouched, timer still armed.
	assert.Equal(t, 1, f.reg.Len())
	assert.True(t, f.sched.Pending(sess.ID))
	f.rt.AssertNotCalled(t, "StopContainer")
}

func TestStopWithAdminBypass(t *testing.T) {
	f := newTestManager(t)

	sess := liveSession("browser-session_s1", "alice", 5*time.Minute)
	f.insert(t, sess)

	f.rt.On("Logs", mock.Anything, sess.ContainerID, logSnapshotTail).Return("", nil)
	f.rt.On("StopContainer", mock.Anything, sess.ContainerID, 1).Return(nil).Once()
	f.rt.On("RemoveContainer", mock.Anything, sess.ContainerID).Return(nil).Once()

	require.NoError(t, f.mgr.Stop(context.Background(), sess.ID, "operator", true))
	assert.Equal(t, 0, f.reg.Len())
}

func TestStopRuntimeFailureKeepsSessionLive(t *testing.T) {
	f := newTestManager(t)

	sess := liveSession("browser-session_s1", "alice", 5*time.Minute)
	f.insert(t, sess)

	f.rt.On("Logs", mock.Anything, sess.ContainerID, logSnapshotTail).Return("", nil)
	f.rt.On("StopContainer", mock.Anything, sess.ContainerID, 1).Return(errors.New("daemon unreachable")).Once()

	err := f.mgr.Stop(context.Background(), sess.ID, "alice", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRuntime))

	// Session still resident and its expiry timer re-armed.
	assert.Equal(t, 1, f.reg.Len())
	assert.True(t, f.sched.Pending(sess.ID))
}

func TestExtendIsRelativeToExpiry(t *testing.T) {
	f := newTestManager(t)

	// 4m45s left; +300s must land at ~9m45s, not 5m and not more.
	sess := liveSession("browser-session_s1", "alice", 4*time.Minute+45*time.Second)
	f.insert(t, sess)
	f.sched.Arm(sess.ID, sess.ExpiresAt)

	view, err := f.mgr.Extend(context.Background(), sess.ID, "alice", 300, false)
	require.NoError(t, err)

	assert.InDelta(t, 585, view.TimeLeftSeconds, 2)
	assert.Equal(t, StatusExtended, view.Status)
	assert.True(t, f.sched.Pending(sess.ID))

	rec, _ := f.st.GetSession(sess.ID)
	assert.Equal(t, "extended", rec.Status)
	assert.WithinDuration(t, view.ExpiresAt, rec.ExpiresAt, time.Second)

	ev, ok := f.bus.last()
	require.True(t, ok)
	assert.Equal(t, events.ActionExtended, ev.Action)
	assert.InDelta(t, 585, ev.RemainingSeconds, 2)
}

func TestRepeatedExtendsAddExactly(t *testing.T) {
	f := newTestManager(t)

	sess := liveSession("browser-session_s1", "alice", 2*time.Minute)
	f.insert(t, sess)

	for i := 0; i < 3; i++ {
		_, err := f.mgr.Extend(context.Background(), sess.ID, "alice", 60, false)
		require.NoError(t, err)
	}

	view, err := f.mgr.Status(context.Background(), sess.ID, "alice", false)
	require.NoError(t, err)
	// 120s initial + 3×60s.
	assert.InDelta(t, 300, view.TimeLeftSeconds, 3)
}

func TestExtendAfterExpiryRejected(t *testing.T) {
	f := newTestManager(t)

	sess := liveSession("browser-session_s1", "alice", -time.Second)
	f.insert(t, sess)

	_, err := f.mgr.Extend(context.Background(), sess.ID, "alice", 300, false)
	assert.True(t, errors.Is(err, ErrAlreadyExpired))
}

func TestExtendByNonOwnerBehavesLikeAbsent(t *testing.T) {
	f := newTestManager(t)

	sess := liveSession("browser-session_s1", "alice", 5*time.Minute)
	f.insert(t, sess)

	_, err := f.mgr.Extend(context.Background(), sess.ID, "mallory", 300, false)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestExpireRemovesSessionEvenWhenTeardownFails(t *testing.T) {
	f := newTestManager(t)

	sess := liveSession("desktop-session_s1", "alice", -time.Second)
	sess.Kind = KindDesktop
	f.insert(t, sess)

	f.rt.On("StopContainer", mock.Anything, sess.ContainerID, 1).Return(errors.New("removal already in progress")).Once()

	f.mgr.Expire(sess.ID)

	// Never live past expiry, even with a failed teardown.
	assert.Equal(t, 0, f.reg.Len())
	rec, _ := f.st.GetSession(sess.ID)
	assert.Equal(t, "expired", rec.Status)
	assert.Contains(t, rec.LastError, "removal already in progress")

	ev, ok := f.bus.last()
	require.True(t, ok)
	assert.Equal(t, events.ActionExpired, ev.Action)
}

func TestExpireSkipsExtendedSession(t *testing.T) {
	f := newTestManager(t)

	sess := liveSession("browser-session_s1", "alice", 5*time.Minute)
	f.insert(t, sess)

	// A stale fire must notice the future expiry and back off.
	f.mgr.Expire(sess.ID)

	assert.Equal(t, 1, f.reg.Len())
	f.rt.AssertNotCalled(t, "StopContainer")
}

func TestSchedulerDrivenExpiry(t *testing.T) {
	f := newTestManager(t)

	sess := liveSession("desktop-session_s1", "alice", 30*time.Millisecond)
	sess.Kind = KindDesktop
	f.insert(t, sess)

	f.rt.On("StopContainer", mock.Anything, sess.ContainerID, 1).Return(nil).Once()
	f.rt.On("RemoveContainer", mock.Anything, sess.ContainerID).Return(nil).Once()

	f.sched.Arm(sess.ID, sess.ExpiresAt)

	require.Eventually(t, func() bool {
		return f.reg.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	rec, _ := f.st.GetSession(sess.ID)
	assert.Equal(t, "expired", rec.Status)
}

func TestRecoveryAfterRestartStatusAndStop(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	// Simulate a record left behind by a previous process: store has it,
	// registry does not.
	rec := testutil.TestRecord("browser-session_old", "alice")
	require.NoError(t, f.st.CreateSession(rec))

	view, err := f.mgr.Status(ctx, rec.ID, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, view.Status)
	assert.Equal(t, "alice", view.OwnerID)

	f.rt.On("Logs", mock.Anything, rec.ContainerID, logSnapshotTail).Return("", nil)
	f.rt.On("StopContainer", mock.Anything, rec.ContainerID, 1).Return(nil).Once()
	f.rt.On("RemoveContainer", mock.Anything, rec.ContainerID).Return(nil).Once()

	require.NoError(t, f.mgr.Stop(ctx, rec.ID, "alice", false))
	stored, _ := f.st.GetSession(rec.ID)
	assert.Equal(t, "stopped", stored.Status)
}

func TestRecoverArmsTimersForLiveContainers(t *testing.T) {
	f := newTestManager(t)

	alive := testutil.TestRecord("browser-session_alive", "alice")
	gone := testutil.TestRecord("browser-session_gone", "alice")
	require.NoError(t, f.st.CreateSession(alive))
	require.NoError(t, f.st.CreateSession(gone))

	f.rt.On("IsRunning", mock.Anything, alive.ContainerID).Return(true, nil).Once()
	f.rt.On("IsRunning", mock.Anything, gone.ContainerID).Return(false, nil).Once()

	f.mgr.Recover(context.Background())

	assert.Equal(t, 1, f.reg.Len())
	assert.True(t, f.sched.Pending(alive.ID))
	assert.False(t, f.sched.Pending(gone.ID))

	rec, _ := f.st.GetSession(gone.ID)
	assert.Equal(t, "error", rec.Status)
	assert.Contains(t, rec.LastError, "not running")
}

func TestSweepReclaimsNonResidentExpiredRecord(t *testing.T) {
	f := newTestManager(t)

	rec := testutil.TestRecord("browser-session_stale", "alice")
	rec.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.st.CreateSession(rec))

	f.rt.On("Logs", mock.Anything, rec.ContainerID, logSnapshotTail).Return("", nil)
	f.rt.On("StopContainer", mock.Anything, rec.ContainerID, 1).Return(nil).Once()
	f.rt.On("RemoveContainer", mock.Anything, rec.ContainerID).Return(nil).Once()

	reaped := f.mgr.SweepExpired(context.Background())
	assert.Equal(t, 1, reaped)

	stored, _ := f.st.GetSession(rec.ID)
	assert.Equal(t, "expired", stored.Status)
	assert.Equal(t, 0, f.reg.Len())
}

func TestOwnerConcurrentSessionLimit(t *testing.T) {
	f := newTestManager(t)
	f.mgr.cfg.MaxSessionsPerOwner = 1
	ctx := context.Background()

	f.rt.On("CreateContainer", mock.Anything, mock.Anything).Return("ctr-1", nil).Once()
	f.rt.On("Inspect", mock.Anything, "ctr-1").Return(&docker.InspectResult{Running: true}, nil)

	view, err := f.mgr.Start(ctx, KindBrowser, "alice", "")
	require.NoError(t, err)

	_, err = f.mgr.Start(ctx, KindBrowser, "alice", "")
	assert.True(t, errors.Is(err, ErrTooManySessions))

	// Another owner is unaffected.
	f.rt.On("CreateContainer", mock.Anything, mock.Anything).Return("ctr-2", nil).Once()
	f.rt.On("Inspect", mock.Anything, "ctr-2").Return(&docker.InspectResult{Running: true}, nil)
	_, err = f.mgr.Start(ctx, KindBrowser, "bob", "")
	require.NoError(t, err)

	// Stopping frees the slot.
	f.rt.On("Logs", mock.Anything, "ctr-1", logSnapshotTail).Return("", nil)
	f.rt.On("StopContainer", mock.Anything, "ctr-1", 1).Return(nil).Once()
	f.rt.On("RemoveContainer", mock.Anything, "ctr-1").Return(nil).Once()
	require.NoError(t, f.mgr.Stop(ctx, view.ID, "alice", false))

	f.rt.On("CreateContainer", mock.Anything, mock.Anything).Return("ctr-3", nil).Once()
	f.rt.On("Inspect", mock.Anything, "ctr-3").Return(&docker.InspectResult{Running: true}, nil)
	_, err = f.mgr.Start(ctx, KindBrowser, "alice", "")
	require.NoError(t, err)
}

func TestStatusOwnershipIsIndistinguishableFromAbsence(t *testing.T) {
	f := newTestManager(t)

	sess := liveSession("browser-session_s1", "alice", 5*time.Minute)
	f.insert(t, sess)

	_, errOther := f.mgr.Status(context.Background(), sess.ID, "mallory", false)
	_, errAbsent := f.mgr.Status(context.Background(), "browser-session_nope", "mallory", false)

	assert.True(t, errors.Is(errOther, ErrNotFound))
	assert.True(t, errors.Is(errAbsent, ErrNotFound))
	assert.Equal(t, errors.Is(errOther, ErrNotFound), errors.Is(errAbsent, ErrNotFound))

	// Admin sees it regardless of owner.
	view, err := f.mgr.Status(context.Background(), sess.ID, "operator", true)
	require.NoError(t, err)
	assert.Equal(t, "alice", view.OwnerID)
}

func TestListScopedToOwnerUnlessAdmin(t *testing.T) {
	f := newTestManager(t)

	f.insert(t, liveSession("browser-session_a", "alice", 5*time.Minute))
	f.insert(t, liveSession("browser-session_b", "bob", 5*time.Minute))

	mine, err := f.mgr.List(context.Background(), "alice", false)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	all, err := f.mgr.List(context.Background(), "whoever", true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
