package api

import (
	"sync"
	"time"

	"github.com/eduline/callkit/internal/call"
	"github.com/eduline/callkit/internal/util"
)

// Event is one entry on the /api/call/events stream.
type Event struct {
	Type         string         `json:"type"` // incoming-call, call-ended
	Conversation string         `json:"conversation,omitempty"`
	Peer         string         `json:"peer,omitempty"`
	Summary      *call.Summary  `json:"summary,omitempty"`
	Snapshot     *call.Snapshot `json:"snapshot,omitempty"`
	At           int64          `json:"at"` // unix millis
}

// Hub fans call events out to SSE clients. A late subscriber gets the
// recent backlog replayed so a reconnecting UI does not miss the
// incoming-call notification that prompted it to connect.
type Hub struct {
	mu        sync.RWMutex
	listeners map[chan Event]struct{}
	recent    *util.RingBuffer[Event]
}

// NewHub creates a hub keeping backlog recent events for replay.
func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = 16
	}
	return &Hub{
		listeners: make(map[chan Event]struct{}),
		recent:    util.NewRingBuffer[Event](backlog),
	}
}

// Publish stamps and delivers an event to all listeners.
func (h *Hub) Publish(ev Event) {
	ev.At = time.Now().UnixMilli()
	h.recent.Push(ev)

	h.mu.RLock()
	for ch := range h.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.RUnlock()
}

// Subscribe returns the backlog plus a live channel.
func (h *Hub) Subscribe() (backlog []Event, ch chan Event, cancel func()) {
	ch = make(chan Event, 32)

	h.mu.Lock()
	h.listeners[ch] = struct{}{}
	h.mu.Unlock()

	cancel = func() {
		h.mu.Lock()
		if _, ok := h.listeners[ch]; ok {
			delete(h.listeners, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return h.recent.Snapshot(), ch, cancel
}
