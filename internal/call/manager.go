package call

import (
	"encoding/json"
	"log"
	"sync"
)

// ManagerOptions carries the collaborators shared by all controllers.
type ManagerOptions struct {
	Media   MediaSource
	NewPC   PeerConnectionFactory
	OnEnded func(Summary)
}

// Manager owns one controller per conversation and bridges signaling
// envelopes to them. It enforces the single-active-call invariant across
// conversations: an offer arriving anywhere while some call is underway is
// answered with busy.
type Manager struct {
	sig    Signaler
	selfID string
	opts   ManagerOptions

	mu    sync.RWMutex
	ctrls map[string]*Controller

	incomingMu sync.RWMutex
	incoming   []func(*Controller)

	done chan struct{}
}

// NewManager creates a call Manager attached to sig and starts listening for
// signaling messages immediately.
func NewManager(sig Signaler, selfID string, opts ManagerOptions) *Manager {
	m := &Manager{
		sig:    sig,
		selfID: selfID,
		opts:   opts,
		ctrls:  make(map[string]*Controller),
		done:   make(chan struct{}),
	}
	ch, cancel := sig.Subscribe()
	go m.dispatchLoop(ch, cancel)
	return m
}

// OnIncoming registers a callback fired once per controller that enters the
// incoming state from a fresh inbound offer. Multiple handlers can be
// registered; each SSE connection in the API layer registers one.
func (m *Manager) OnIncoming(fn func(*Controller)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// Attach returns the controller bound to (selfID, peer, conversation),
// creating an idle one if needed. If a controller for the conversation exists
// but is bound to a different peer, it is detached and replaced — the
// identity change forces a full reset.
func (m *Manager) Attach(conversation, peer string) *Controller {
	m.mu.Lock()
	if c, ok := m.ctrls[conversation]; ok {
		if c.Peer() == peer {
			m.mu.Unlock()
			return c
		}
		delete(m.ctrls, conversation)
		m.mu.Unlock()
		c.Detach()
		m.mu.Lock()
	}
	c := m.newController(conversation, peer)
	m.ctrls[conversation] = c
	m.mu.Unlock()
	log.Printf("CALL: attached %s ↔ %s", conversation, peer)
	return c
}

// Detach tears down and removes the controller for a conversation.
func (m *Manager) Detach(conversation string) {
	m.mu.Lock()
	c, ok := m.ctrls[conversation]
	if ok {
		delete(m.ctrls, conversation)
	}
	m.mu.Unlock()
	if ok {
		c.Detach()
		log.Printf("CALL: detached %s", conversation)
	}
}

// Controller returns the controller for a conversation, if any.
func (m *Manager) Controller(conversation string) (*Controller, bool) {
	m.mu.RLock()
	c, ok := m.ctrls[conversation]
	m.mu.RUnlock()
	return c, ok
}

// Controllers returns all attached controllers.
func (m *Manager) Controllers() []*Controller {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Controller, 0, len(m.ctrls))
	for _, c := range m.ctrls {
		out = append(out, c)
	}
	return out
}

// Active reports whether any controller has a call attempt underway.
func (m *Manager) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.ctrls {
		if c.Status().Busy() {
			return true
		}
	}
	return false
}

// Close shuts down the manager and hangs up all active calls.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}

	m.mu.Lock()
	ctrls := m.ctrls
	m.ctrls = make(map[string]*Controller)
	m.mu.Unlock()

	for _, c := range ctrls {
		c.EndCall()
		c.Detach()
	}
}

func (m *Manager) newController(conversation, peer string) *Controller {
	return NewController(ControllerConfig{
		Conversation: conversation,
		Self:         m.selfID,
		Peer:         peer,
		Signaler:     m.sig,
		Media:        m.opts.Media,
		NewPC:        m.opts.NewPC,
		OnEnded:      m.opts.OnEnded,
	})
}

func (m *Manager) dispatchLoop(ch chan *Envelope, cancel func()) {
	defer cancel()

	for {
		select {
		case <-m.done:
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(env)
		}
	}
}

// dispatch routes one envelope to the controller owning its conversation,
// or admits a fresh inbound offer. Offers arriving while any call is
// underway are answered with busy and change nothing (single active call).
func (m *Manager) dispatch(env *Envelope) {
	m.mu.RLock()
	c, ok := m.ctrls[env.Conversation]
	m.mu.RUnlock()

	if env.Event != EventOffer {
		if ok {
			c.HandleSignal(env)
		}
		// Late signals for conversations we no longer track are expected
		// teardown races, not errors.
		return
	}

	var p OfferPayload
	if json.Unmarshal(env.Payload, &p) != nil || p.To != m.selfID || p.From == "" {
		return
	}

	// Single active call across conversations: an offer to any other
	// conversation while a call is underway is answered with busy. An
	// offer to the busy conversation itself falls through — its own
	// controller answers busy with the addressing checks applied.
	if m.busyElsewhere(env.Conversation) {
		if err := m.sig.Send(env.Conversation, EventBusy, ControlPayload{From: m.selfID, To: p.From}); err != nil {
			log.Printf("CALL [%s]: busy reply failed: %v", env.Conversation, err)
		}
		log.Printf("CALL [%s]: busy sent to %s (call in progress)", env.Conversation, p.From)
		return
	}

	if !ok {
		c = m.Attach(env.Conversation, p.From)
	}
	before := c.Status()
	c.HandleSignal(env)
	if before == StatusIncoming || c.Status() != StatusIncoming {
		return
	}

	m.incomingMu.RLock()
	handlers := make([]func(*Controller), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(c)
	}
}

// busyElsewhere reports whether a call attempt is underway on any
// conversation other than the given one.
func (m *Manager) busyElsewhere(conversation string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for conv, c := range m.ctrls {
		if conv != conversation && c.Status().Busy() {
			return true
		}
	}
	return false
}
