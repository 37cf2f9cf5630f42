package api

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/m-koster/wegwerf/internal/admin"
	"github.com/m-koster/wegwerf/internal/events"
	"github.com/m-koster/wegwerf/internal/session"
	"github.com/m-koster/wegwerf/internal/testutil"
)

type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) Start(ctx context.Context, kind session.Kind, ownerID, target string) (*session.View, error) {
	args := m.Called(ctx, kind, ownerID, target)
	if v := args.Get(0); v != nil {
		return v.(*session.View), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Stop(ctx context.Context, sessionID, ownerID string, bypassOwnership bool) error {
	args := m.Called(ctx, sessionID, ownerID, bypassOwnership)
	return args.Error(0)
}

func (m *MockSessionService) Extend(ctx context.Context, sessionID, ownerID string, additionalSeconds int, bypassOwnership bool) (*session.View, error) {
	args := m.Called(ctx, sessionID, ownerID, additionalSeconds, bypassOwnership)
	if v := args.Get(0); v != nil {
		return v.(*session.View), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Status(ctx context.Context, sessionID, ownerID string, isAdmin bool) (*session.View, error) {
	args := m.Called(ctx, sessionID, ownerID, isAdmin)
	if v := args.Get(0); v != nil {
		return v.(*session.View), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) List(ctx context.Context, ownerID string, isAdmin bool) ([]session.View, error) {
	args := m.Called(ctx, ownerID, isAdmin)
	if v := args.Get(0); v != nil {
		return v.([]session.View), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockAdminService struct {
	mock.Mock
}

func (m *MockAdminService) Exec(ctx context.Context, sessionID string, cmd []string) (*admin.ExecResult, error) {
	args := m.Called(ctx, sessionID, cmd)
	if v := args.Get(0); v != nil {
		return v.(*admin.ExecResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAdminService) Logs(ctx context.Context, sessionID string, tail int) (*admin.LogsResult, error) {
	args := m.Called(ctx, sessionID, tail)
	if v := args.Get(0); v != nil {
		return v.(*admin.LogsResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAdminService) Resources(ctx context.Context, sessionID string) (*admin.ResourceReport, error) {
	args := m.Called(ctx, sessionID)
	if v := args.Get(0); v != nil {
		return v.(*admin.ResourceReport), args.Error(1)
	}
	return nil, args.Error(1)
}

type serverFixture struct {
	server   *Server
	sessions *MockSessionService
	admin    *MockAdminService
	bus      *events.Bus
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	sessions := &MockSessionService{}
	adm := &MockAdminService{}
	bus := events.NewBus(logger)
	return &serverFixture{
		server:   NewServer(testutil.TestConfig(), sessions, adm, bus, logger),
		sessions: sessions,
		admin:    adm,
		bus:      bus,
	}
}
