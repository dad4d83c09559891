package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType captures the lifecycle notifications emitted by the supervisor.
type EventType string

const (
	EventTypeAdded     EventType = "added"
	EventTypeUpdated   EventType = "updated"
	EventTypeRemoved   EventType = "removed"
	EventTypeStarting  EventType = "starting"
	EventTypeRunning   EventType = "running"
	EventTypeStopping  EventType = "stopping"
	EventTypeStopped   EventType = "stopped"
	EventTypeErrored   EventType = "errored"
	EventTypeExited    EventType = "exited"
	EventTypeAttention EventType = "attention"
)

// Event represents a single lifecycle notification for an entry.
type Event struct {
	Timestamp time.Time `json:"ts"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      EventType `json:"type"`
	State     string    `json:"state,omitempty"`
	Message   string    `json:"message,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
}

const defaultEventBuffer = 64

// Hub fans events out to subscribers. Publishing never blocks; a subscriber
// whose buffer is full misses the event.
type Hub struct {
	mu   sync.Mutex
	subs map[*EventSubscription]struct{}
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*EventSubscription]struct{})}
}

// EventSubscription receives events published after Subscribe.
type EventSubscription struct {
	hub     *Hub
	c       chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// Subscribe registers a subscriber with the given channel capacity.
func (h *Hub) Subscribe(buffer int) *EventSubscription {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	sub := &EventSubscription{hub: h, c: make(chan Event, buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// C carries events until Close.
func (s *EventSubscription) C() <-chan Event { return s.c }

// Dropped counts events lost because C was full.
func (s *EventSubscription) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscription and closes C.
func (s *EventSubscription) Close() {
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.once.Do(func() { close(s.c) })
	s.hub.mu.Unlock()
}

// Publish delivers evt to every subscriber.
func (h *Hub) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.c <- evt:
		default:
			sub.dropped.Add(1)
		}
	}
}
