package session

import (
	"sync"
	"time"

	"github.com/jkaninda/mcpforge/internal/sandbox"
)

// EventType names a registry lifecycle transition.
type EventType string

const (
	EventCreated  EventType = "created"
	EventDeleted  EventType = "deleted"
	EventReplaced EventType = "replaced"
	EventExited   EventType = "exited"
)

// Event is published to subscribers on every lifecycle transition.
type Event struct {
	Type        EventType        `json:"type"`
	ServerID    string           `json:"serverId"`
	NewServerID string           `json:"newServerId,omitempty"` // Set for EventReplaced.
	Language    sandbox.Language `json:"language,omitempty"`
	Error       string           `json:"error,omitempty"` // Exit reason for EventExited.
	Time        time.Time        `json:"time"`
}

// exit is what a session's supervisor sends to the registry loop.
type exit struct {
	entry *entry
	err   error
}

// hub fans events out to subscribers. Slow subscribers lose events
// rather than stalling the registry.
type hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Event)}
}

func (h *hub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *hub) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
