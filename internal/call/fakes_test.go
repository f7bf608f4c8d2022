package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── signaling fake ──

type sentMsg struct {
	Conversation string
	Event        string
	Payload      json.RawMessage
}

// fakeSignaler records sends and, when linked to peers, delivers each send
// to their subscribers the way a shared conversation channel would.
type fakeSignaler struct {
	self string

	mu    sync.Mutex
	sent  []sentMsg
	subs  map[chan *Envelope]struct{}
	peers []*fakeSignaler
}

func newFakeSignaler(self string) *fakeSignaler {
	return &fakeSignaler{self: self, subs: make(map[chan *Envelope]struct{})}
}

// linkSignalers puts all given signalers on one shared bus.
func linkSignalers(sigs ...*fakeSignaler) {
	for _, a := range sigs {
		for _, b := range sigs {
			if a != b {
				a.peers = append(a.peers, b)
			}
		}
	}
}

func (s *fakeSignaler) Send(conversation, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sent = append(s.sent, sentMsg{Conversation: conversation, Event: event, Payload: raw})
	peers := s.peers
	s.mu.Unlock()

	for _, p := range peers {
		p.deliver(&Envelope{Conversation: conversation, From: s.self, Event: event, Payload: raw})
	}
	return nil
}

func (s *fakeSignaler) Subscribe() (ch chan *Envelope, cancel func()) {
	ch = make(chan *Envelope, 64)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	cancel = func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *fakeSignaler) deliver(env *Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- env:
		default:
		}
	}
}

func (s *fakeSignaler) sentEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.Event
	}
	return out
}

func (s *fakeSignaler) countOf(event string) int {
	n := 0
	for _, e := range s.sentEvents() {
		if e == event {
			n++
		}
	}
	return n
}

func (s *fakeSignaler) lastOf(event string) (sentMsg, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].Event == event {
			return s.sent[i], true
		}
	}
	return sentMsg{}, false
}

// ── media fakes ──

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// fakeMedia hands out one audio track plus one video track when asked for
// video. An optional gate blocks GetUserMedia until released, to exercise
// teardown racing the capture await.
type fakeMedia struct {
	mu      sync.Mutex
	err     error
	gate    chan struct{}
	serial  int
	granted [][]*fakeTrack
}

func (m *fakeMedia) GetUserMedia(ctx context.Context, c Constraints) ([]Track, error) {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	m.serial++
	var ts []*fakeTrack
	if c.Audio {
		ts = append(ts, &fakeTrack{id: fmt.Sprintf("audio-%d", m.serial), kind: webrtc.RTPCodecTypeAudio, enabled: true})
	}
	if c.Video {
		ts = append(ts, &fakeTrack{id: fmt.Sprintf("video-%d", m.serial), kind: webrtc.RTPCodecTypeVideo, enabled: true})
	}
	m.granted = append(m.granted, ts)

	out := make([]Track, len(ts))
	for i, t := range ts {
		out[i] = t
	}
	return out, nil
}

func (m *fakeMedia) lastGranted() []*fakeTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.granted) == 0 {
		return nil
	}
	return m.granted[len(m.granted)-1]
}

// ── peer connection fake ──

type fakePC struct {
	mu sync.Mutex

	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     []Track
	closed     bool

	failSetRemote error

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(Track)
	onState func(webrtc.PeerConnectionState)
}

func (p *fakePC) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake-offer"}, nil
}

func (p *fakePC) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake-answer"}, nil
}

func (p *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localDesc = &desc
	return nil
}

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSetRemote != nil {
		return p.failSetRemote
	}
	p.remoteDesc = &desc
	return nil
}

func (p *fakePC) AddICECandidate(cand webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, cand)
	return nil
}

func (p *fakePC) AddTrack(t Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePC) OnTrack(fn func(Track)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePC) remoteCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(p.candidates))
	copy(out, p.candidates)
	return out
}

func (p *fakePC) remoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteDesc
}

func (p *fakePC) fireState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (p *fakePC) fireTrack(t Track) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (p *fakePC) fireICE(cand webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	if fn != nil {
		fn(cand)
	}
}

type fakePCFactory struct {
	mu  sync.Mutex
	pcs []*fakePC
}

func (f *fakePCFactory) New() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakePCFactory) last() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

// ── envelope builders ──

func envelope(t *testing.T, conversation, from, event string, payload any) *Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &Envelope{Conversation: conversation, From: from, Event: event, Payload: raw}
}

func offerSDP() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote-offer"}
}

func answerSDP() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 remote-answer"}
}
