package reaper

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/m-koster/wegwerf/internal/docker"
	"github.com/m-koster/wegwerf/internal/session"
)

type MockSweeper struct {
	mock.Mock
}

func (m *MockSweeper) Recover(ctx context.Context) {
	m.Called(ctx)
}

func (m *MockSweeper) SweepExpired(ctx context.Context) int {
	args := m.Called(ctx)
	return args.Int(0)
}

type MockIndex struct {
	mock.Mock
}

func (m *MockIndex) Peek(sessionID string) (*session.Session, bool) {
	args := m.Called(sessionID)
	if s := args.Get(0); s != nil {
		return s.(*session.Session), args.Bool(1)
	}
	return nil, args.Bool(1)
}

type MockJanitor struct {
	mock.Mock
}

func (m *MockJanitor) ListSessionContainers(ctx context.Context) ([]docker.ContainerInfo, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]docker.ContainerInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockJanitor) RemoveContainer(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}
