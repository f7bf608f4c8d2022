package signal

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrTransportClosed is returned by operations on a closed transport.
var ErrTransportClosed = errors.New("signal: transport closed")

// Bus is an in-process message hub. Endpoints attached to the same Bus
// see each other's publishes, which makes it both the single-process
// deployment transport and the test double for the networked ones.
type Bus struct {
	mu        sync.Mutex
	endpoints map[*Endpoint]struct{}
}

// NewBus creates an empty hub.
func NewBus() *Bus {
	return &Bus{endpoints: make(map[*Endpoint]struct{})}
}

// Endpoint attaches a new Transport endpoint to the bus.
func (b *Bus) Endpoint() *Endpoint {
	ep := &Endpoint{
		bus:    b,
		joined: make(map[string]struct{}),
		recv:   make(chan *Message, 64),
	}
	b.mu.Lock()
	b.endpoints[ep] = struct{}{}
	b.mu.Unlock()
	return ep
}

func (b *Bus) publish(msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ep := range b.endpoints {
		ep.deliver(msg)
	}
}

func (b *Bus) detach(ep *Endpoint) {
	b.mu.Lock()
	delete(b.endpoints, ep)
	b.mu.Unlock()
}

// Endpoint is one participant's view of the bus.
type Endpoint struct {
	bus *Bus

	mu     sync.Mutex
	joined map[string]struct{}
	closed bool
	recv   chan *Message
}

func (e *Endpoint) Join(_ context.Context, conversation string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrTransportClosed
	}
	e.joined[conversation] = struct{}{}
	return nil
}

func (e *Endpoint) Leave(conversation string) error {
	e.mu.Lock()
	delete(e.joined, conversation)
	e.mu.Unlock()
	return nil
}

func (e *Endpoint) Publish(_ context.Context, msg *Message) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrTransportClosed
	}
	e.mu.Unlock()

	e.bus.publish(msg)
	return nil
}

func (e *Endpoint) Receive() <-chan *Message { return e.recv }

func (e *Endpoint) Close() error {
	e.bus.detach(e)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.recv)
	return nil
}

// deliver hands a message to the endpoint if it joined the conversation.
// Like the pubsub transports, the publisher receives its own messages;
// the Manager suppresses the echo.
func (e *Endpoint) deliver(msg *Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, ok := e.joined[msg.Conversation]; !ok {
		return
	}
	select {
	case e.recv <- msg:
	default:
		log.Printf("SIGNAL: endpoint queue full, dropping %s for %s", msg.Event, msg.Conversation)
	}
}
