package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("pubsub", "warn")
}

const connectTimeout = 10 * time.Second

// P2POptions configure the gossipsub transport.
type P2POptions struct {
	// ListenPort is the TCP port the libp2p host binds.
	ListenPort int
	// KeyFile holds the persistent Ed25519 identity.
	KeyFile string
	// Bootstrap lists multiaddrs (with /p2p/ component) dialed on startup.
	Bootstrap []string
}

// P2PTransport carries signaling over one gossipsub topic per
// conversation.
type P2PTransport struct {
	host host.Host
	ps   *pubsub.PubSub

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[string]*conversationTopic
	recv   chan *Message
	closed bool

	readers sync.WaitGroup
}

type conversationTopic struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// NewP2PTransport starts a libp2p host with gossipsub and dials any
// bootstrap peers best-effort.
func NewP2PTransport(ctx context.Context, opts P2POptions) (*P2PTransport, error) {
	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("Generated new identity key: %s", opts.KeyFile)
	} else {
		log.Printf("Loaded identity key: %s", opts.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &P2PTransport{
		host:   h,
		ps:     ps,
		ctx:    tctx,
		cancel: cancel,
		topics: make(map[string]*conversationTopic),
		recv:   make(chan *Message, 64),
	}

	for _, s := range opts.Bootstrap {
		t.connectBootstrap(tctx, s)
	}

	log.Printf("SIGNAL: p2p transport up, peer %s", h.ID())
	return t, nil
}

// PeerID returns the libp2p identity of this transport.
func (t *P2PTransport) PeerID() string { return t.host.ID().String() }

// Addrs returns the host's listen multiaddrs, for logging and for
// handing to other peers as bootstrap addresses.
func (t *P2PTransport) Addrs() []string {
	var out []string
	for _, a := range t.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, t.host.ID()))
	}
	return out
}

func (t *P2PTransport) connectBootstrap(ctx context.Context, addr string) {
	a, err := ma.NewMultiaddr(addr)
	if err != nil {
		log.Printf("SIGNAL: bad bootstrap addr %q: %v", addr, err)
		return
	}
	pi, err := peer.AddrInfoFromP2pAddr(a)
	if err != nil {
		log.Printf("SIGNAL: bootstrap addr %q has no peer ID: %v", addr, err)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := t.host.Connect(cctx, *pi); err != nil {
		log.Printf("SIGNAL: bootstrap connect %s failed: %v", pi.ID, err)
		return
	}
	log.Printf("SIGNAL: connected to bootstrap peer %s", pi.ID)
}

func topicName(conversation string) string {
	return "callkit/conv/" + conversation
}

// Join subscribes to a conversation's gossipsub topic.
func (t *P2PTransport) Join(_ context.Context, conversation string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if _, ok := t.topics[conversation]; ok {
		return nil
	}

	topic, err := t.ps.Join(topicName(conversation))
	if err != nil {
		return fmt.Errorf("join topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return fmt.Errorf("subscribe topic: %w", err)
	}

	sctx, cancel := context.WithCancel(t.ctx)
	t.topics[conversation] = &conversationTopic{topic: topic, sub: sub, cancel: cancel}
	t.readers.Add(1)
	go t.readLoop(sctx, conversation, sub)

	log.Printf("SIGNAL: joined conversation %s", conversation)
	return nil
}

func (t *P2PTransport) readLoop(ctx context.Context, conversation string, sub *pubsub.Subscription) {
	defer t.readers.Done()
	for {
		m, err := sub.Next(ctx)
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			continue
		}
		if msg.Conversation != conversation || msg.Event == "" {
			continue
		}

		select {
		case t.recv <- &msg:
		case <-ctx.Done():
			return
		}
	}
}

// Leave drops a conversation's topic subscription.
func (t *P2PTransport) Leave(conversation string) error {
	t.mu.Lock()
	ct, ok := t.topics[conversation]
	if ok {
		delete(t.topics, conversation)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}

	ct.cancel()
	ct.sub.Cancel()
	return ct.topic.Close()
}

// Publish sends a message on a joined conversation's topic.
func (t *P2PTransport) Publish(ctx context.Context, msg *Message) error {
	t.mu.Lock()
	ct, ok := t.topics[msg.Conversation]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("not joined to conversation %s", msg.Conversation)
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ct.topic.Publish(ctx, b)
}

func (t *P2PTransport) Receive() <-chan *Message { return t.recv }

// Close tears down all topics and the host.
func (t *P2PTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	topics := t.topics
	t.topics = make(map[string]*conversationTopic)
	t.mu.Unlock()

	t.cancel()
	for _, ct := range topics {
		ct.sub.Cancel()
		_ = ct.topic.Close()
	}
	// Readers may be blocked handing a message off; wait for them before
	// closing the receive channel.
	t.readers.Wait()
	close(t.recv)
	return t.host.Close()
}
