package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait: maximum time to write one frame before the connection
	// is considered broken.
	writeWait = 10 * time.Second

	// pongWait: the gateway must answer a ping within this window, or
	// the connection is considered dead. Pings go out every pingPeriod.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 64 * 1024

	sendBufferSize = 64
)

// ws frame ops.
const (
	opJoin    = "join"
	opLeave   = "leave"
	opPublish = "publish"
	opMessage = "message"
)

// wsFrame is the framing the signaling gateway speaks: control ops for
// conversation membership plus message delivery in both directions.
type wsFrame struct {
	Op           string   `json:"op"`
	Conversation string   `json:"conversation,omitempty"`
	Message      *Message `json:"message,omitempty"`
}

// WSTransport is a client connection to a signaling gateway. One
// goroutine reads frames, one writes; gorilla connections allow at most
// one concurrent reader and one concurrent writer.
type WSTransport struct {
	conn *websocket.Conn

	out  chan *wsFrame
	recv chan *Message
	done chan struct{}

	closeOnce sync.Once

	mu     sync.Mutex
	joined map[string]struct{}
}

// NewWSTransport dials the gateway and starts the read/write pumps.
func NewWSTransport(ctx context.Context, gatewayURL string) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, gatewayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	t := &WSTransport{
		conn:   conn,
		out:    make(chan *wsFrame, sendBufferSize),
		recv:   make(chan *Message, 64),
		done:   make(chan struct{}),
		joined: make(map[string]struct{}),
	}
	go t.readPump()
	go t.writePump()

	log.Printf("SIGNAL: ws transport connected to %s", gatewayURL)
	return t, nil
}

func (t *WSTransport) Join(_ context.Context, conversation string) error {
	t.mu.Lock()
	t.joined[conversation] = struct{}{}
	t.mu.Unlock()
	return t.enqueue(&wsFrame{Op: opJoin, Conversation: conversation})
}

func (t *WSTransport) Leave(conversation string) error {
	t.mu.Lock()
	delete(t.joined, conversation)
	t.mu.Unlock()
	return t.enqueue(&wsFrame{Op: opLeave, Conversation: conversation})
}

func (t *WSTransport) Publish(_ context.Context, msg *Message) error {
	t.mu.Lock()
	_, ok := t.joined[msg.Conversation]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("not joined to conversation %s", msg.Conversation)
	}
	return t.enqueue(&wsFrame{Op: opPublish, Message: msg})
}

func (t *WSTransport) Receive() <-chan *Message { return t.recv }

func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.Close()
	})
	return nil
}

func (t *WSTransport) enqueue(f *wsFrame) error {
	select {
	case t.out <- f:
		return nil
	case <-t.done:
		return ErrTransportClosed
	}
}

// readPump owns all reads on the connection. It closes the receive
// channel when the connection dies, which propagates shutdown to the
// Manager's forward loop.
func (t *WSTransport) readPump() {
	defer func() {
		_ = t.Close()
		close(t.recv)
	}()

	t.conn.SetReadLimit(maxFrameSize)
	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("SIGNAL: gateway connection lost: %v", err)
			}
			return
		}

		var f wsFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Printf("SIGNAL: bad gateway frame: %v", err)
			continue
		}
		if f.Op != opMessage || f.Message == nil {
			continue
		}

		select {
		case t.recv <- f.Message:
		default:
			log.Printf("SIGNAL: receive queue full, dropping %s for %s",
				f.Message.Event, f.Message.Conversation)
		}
	}
}

// writePump owns all writes on the connection, including keepalive
// pings.
func (t *WSTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = t.Close()
	}()

	for {
		select {
		case f := <-t.out:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-t.done:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
