package session

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/m-koster/wegwerf/internal/docker"
	"github.com/m-koster/wegwerf/internal/events"
)

type MockRuntimeClient struct {
	mock.Mock
}

func (m *MockRuntimeClient) CreateContainer(ctx context.Context, opts docker.CreateOpts) (string, error) {
	args := m.Called(ctx, opts)
	return args.String(0), args.Error(1)
}

func (m *MockRuntimeClient) Inspect(ctx context.Context, containerID string) (*docker.InspectResult, error) {
	args := m.Called(ctx, containerID)
	if res := args.Get(0); res != nil {
		return res.(*docker.InspectResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRuntimeClient) IsRunning(ctx context.Context, containerID string) (bool, error) {
	args := m.Called(ctx, containerID)
	return args.Bool(0), args.Error(1)
}

func (m *MockRuntimeClient) StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error {
	args := m.Called(ctx, containerID, timeoutSeconds)
	return args.Error(0)
}

func (m *MockRuntimeClient) RemoveContainer(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}

func (m *MockRuntimeClient) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	args := m.Called(ctx, containerID, tail)
	return args.String(0), args.Error(1)
}

// captureBus records published events for assertions.
type captureBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *captureBus) Publish(ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *captureBus) actions() []events.Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	actions := make([]events.Action, len(b.events))
	for i, ev := range b.events {
		actions[i] = ev.Action
	}
	return actions
}

func (b *captureBus) last() (events.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return events.Event{}, false
	}
	return b.events[len(b.events)-1], true
}
