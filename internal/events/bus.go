// Package events is the in-process lifecycle event bus. Every state
// transition the manager or scheduler performs is published here and fanned
// out to subscribers (websocket clients, admin consoles).
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Action string

const (
	ActionStarted  Action = "started"
	ActionStopped  Action = "stopped"
	ActionExtended Action = "extended"
	ActionExpired  Action = "expired"
)

// Event is one session state transition.
type Event struct {
	Timestamp        time.Time `json:"timestamp"`
	Action           Action    `json:"action"`
	Kind             string    `json:"kind"`
	SessionID        string    `json:"session_id"`
	OwnerID          string    `json:"owner_id"`
	Status           string    `json:"status"`
	RemainingSeconds int64     `json:"remaining_seconds,omitempty"`
}

// subscriberBuffer is per-subscriber. A subscriber that falls this far
// behind starts losing events rather than blocking publishers.
const subscriberBuffer = 64

type Subscription struct {
	ch     chan Event
	bus    *Bus
	id     int
	closed sync.Once
}

// Events returns the subscriber's channel. Closed when the subscription is
// closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) Close() {
	s.closed.Do(func() {
		s.bus.unsubscribe(s.id)
		close(s.ch)
	})
}

type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	dropped atomic.Uint64
	logger  *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger,
	}
}

func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscription{
		ch:  make(chan Event, subscriberBuffer),
		bus: b,
		id:  b.nextID,
	}
	b.subs[b.nextID] = sub
	b.nextID++
	return sub
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish delivers ev to every subscriber without ever blocking the caller.
// A subscriber with a full buffer loses the event; the others still get it.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped for slow subscriber",
				"action", ev.Action, "session_id", ev.SessionID, "subscriber", sub.id)
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
