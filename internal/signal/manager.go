// Signaling channels — low-latency event delivery between the two
// participants of a conversation. A Transport moves raw messages; the
// Manager stamps outgoing messages with the local identity and fans
// incoming ones out to subscribers.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/eduline/callkit/internal/call"
)

// Message is the wire unit a Transport moves between peers.
type Message struct {
	Conversation string          `json:"conversation"`
	From         string          `json:"from"`
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload"`
}

// Transport delivers Messages for joined conversations. Implementations:
// gossipsub (p2p.go), a websocket gateway (ws.go) and an in-process bus
// (memory.go).
type Transport interface {
	Join(ctx context.Context, conversation string) error
	Leave(conversation string) error
	Publish(ctx context.Context, msg *Message) error
	Receive() <-chan *Message
	Close() error
}

// Manager bridges a Transport to call signaling. It satisfies
// call.Signaler.
type Manager struct {
	tr     Transport
	selfID string

	listenerMu sync.RWMutex
	listeners  map[chan *call.Envelope]struct{}
}

// NewManager starts forwarding transport messages to subscribers.
func NewManager(tr Transport, selfID string) *Manager {
	m := &Manager{
		tr:        tr,
		selfID:    selfID,
		listeners: make(map[chan *call.Envelope]struct{}),
	}
	go m.forward()
	return m
}

// SelfID returns the local identity messages are stamped with.
func (m *Manager) SelfID() string { return m.selfID }

// Join subscribes the transport to a conversation's messages.
func (m *Manager) Join(ctx context.Context, conversation string) error {
	return m.tr.Join(ctx, conversation)
}

// Leave drops a conversation subscription.
func (m *Manager) Leave(conversation string) error {
	return m.tr.Leave(conversation)
}

// Send publishes an event on a conversation.
func (m *Manager) Send(conversation, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return m.tr.Publish(context.Background(), &Message{
		Conversation: conversation,
		From:         m.selfID,
		Event:        event,
		Payload:      raw,
	})
}

// Subscribe returns a channel that receives signaling envelopes.
func (m *Manager) Subscribe() (ch chan *call.Envelope, cancel func()) {
	ch = make(chan *call.Envelope, 64)

	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	cancel = func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) forward() {
	for msg := range m.tr.Receive() {
		if msg.Conversation == "" || msg.Event == "" {
			continue
		}

		// Skip own messages — pubsub transports echo publishes back to
		// the sender, which would feed SDP offers and ICE candidates to
		// the peer connection that produced them.
		if msg.From == m.selfID {
			continue
		}

		env := &call.Envelope{
			Conversation: msg.Conversation,
			From:         msg.From,
			Event:        msg.Event,
			Payload:      msg.Payload,
		}

		m.listenerMu.RLock()
		for ch := range m.listeners {
			select {
			case ch <- env:
			default:
				log.Printf("SIGNAL: listener full, dropping %s for %s", msg.Event, msg.Conversation)
			}
		}
		m.listenerMu.RUnlock()
	}
}

// Close shuts down the transport and all subscriber channels.
func (m *Manager) Close() error {
	err := m.tr.Close()

	m.listenerMu.Lock()
	for ch := range m.listeners {
		close(ch)
	}
	m.listeners = make(map[chan *call.Envelope]struct{})
	m.listenerMu.Unlock()

	return err
}
