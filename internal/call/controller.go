// Package call manages 1:1 WebRTC call sessions using Pion.
// It is designed to be maximally standalone — it imports only Pion libraries
// and stdlib. Coupling to the rest of callkit is via the Signaler,
// PeerConnection and MediaSource interfaces only.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var (
	// ErrAlreadyInCall is returned when a call is started while another
	// attempt on the same conversation is still underway.
	ErrAlreadyInCall = errors.New("already in a call")
	// ErrNoPendingOffer is returned by AcceptCall when there is no inbound
	// offer waiting to be answered.
	ErrNoPendingOffer = errors.New("no pending offer")
)

// busyError is the user-facing message set when the remote side is busy.
const busyError = "User is busy"

// Summary describes one finished call attempt, emitted exactly once per
// attempt when the controller reaches the ended state.
type Summary struct {
	ID           string
	Conversation string
	Peer         string
	Direction    Direction
	CallType     Type
	StartedAt    time.Time
	ConnectedAt  time.Time
	EndedAt      time.Time
	Reason       string
	Error        string
}

// Snapshot is the reactive state exposed to the UI layer.
type Snapshot struct {
	Conversation string    `json:"conversation"`
	Peer         string    `json:"peer"`
	Status       string    `json:"status"`
	Direction    Direction `json:"direction,omitempty"`
	CallType     Type      `json:"callType,omitempty"`
	Error        string    `json:"error,omitempty"`
	Muted        bool      `json:"muted"`
	CameraOff    bool      `json:"cameraOff"`
	LocalStream  bool      `json:"localStream"`
	RemoteStream bool      `json:"remoteStream"`
}

// ControllerConfig carries the identity triple and collaborators for one
// controller. All fields except OnEnded are required.
type ControllerConfig struct {
	Conversation string
	Self         string
	Peer         string
	Signaler     Signaler
	Media        MediaSource
	NewPC        PeerConnectionFactory
	OnEnded      func(Summary)
}

// Controller owns the call state machine, the peer connection lifecycle, the
// local/remote stream lifecycle and the signaling protocol for exactly one
// (self, peer, conversation) identity triple. All mutable state lives behind
// one mutex; async operations re-check the teardown generation after every
// await point so a concurrent teardown turns them into no-ops.
type Controller struct {
	conversation string
	self         string
	peer         string

	sig     Signaler
	media   MediaSource
	newPC   PeerConnectionFactory
	onEnded func(Summary)

	mu            sync.Mutex
	status        Status
	direction     Direction
	callType      Type
	lastErr       string
	pc            PeerConnection
	local         *MediaStream
	remote        *MediaStream
	pending       *PendingOffer
	earlyICE      []webrtc.ICECandidateInit
	remoteDescSet bool
	muted         bool
	cameraOff     bool

	// gen increments on every teardown; callbacks and resumed async
	// operations compare it to detect they are stale.
	gen int

	attemptID   string
	startedAt   time.Time
	connectedAt time.Time

	listenerMu sync.RWMutex
	listeners  map[chan Snapshot]struct{}
}

// NewController creates an idle controller bound to the given identity triple.
func NewController(cfg ControllerConfig) *Controller {
	return &Controller{
		conversation: cfg.Conversation,
		self:         cfg.Self,
		peer:         cfg.Peer,
		sig:          cfg.Signaler,
		media:        cfg.Media,
		newPC:        cfg.NewPC,
		onEnded:      cfg.OnEnded,
		listeners:    make(map[chan Snapshot]struct{}),
	}
}

// Conversation returns the conversation key this controller is attached to.
func (c *Controller) Conversation() string { return c.conversation }

// Peer returns the remote peer id this controller is bound to.
func (c *Controller) Peer() string { return c.peer }

// StartAudioCall initiates an outbound audio call.
func (c *Controller) StartAudioCall(ctx context.Context) error {
	return c.startCall(ctx, TypeAudio)
}

// StartVideoCall initiates an outbound video call.
func (c *Controller) StartVideoCall(ctx context.Context) error {
	return c.startCall(ctx, TypeVideo)
}

func (c *Controller) startCall(ctx context.Context, t Type) error {
	c.mu.Lock()
	if c.status.Busy() {
		c.mu.Unlock()
		return ErrAlreadyInCall
	}
	c.beginAttemptLocked(DirectionOutgoing, t)
	c.status = StatusOutgoing
	gen := c.gen
	c.mu.Unlock()
	c.notify()

	tracks, err := c.media.GetUserMedia(ctx, ConstraintsFor(t))
	if err != nil {
		c.failIfCurrent(gen, "local media unavailable: "+err.Error())
		return err
	}

	c.mu.Lock()
	if c.gen != gen || c.status != StatusOutgoing {
		c.mu.Unlock()
		stopTracks(tracks)
		return nil // torn down while acquiring media
	}

	offer, err := c.setupAndOfferLocked(ctx, tracks)
	if err != nil {
		c.failLocked("call setup failed: " + err.Error())
		c.mu.Unlock()
		c.notify()
		return err
	}
	c.status = StatusConnecting
	payload := OfferPayload{From: c.self, To: c.peer, CallType: t, SDP: offer}
	c.mu.Unlock()
	c.notify()

	c.send(EventOffer, payload)
	log.Printf("CALL [%s]: %s offer sent to %s", c.conversation, t, c.peer)
	return nil
}

// setupAndOfferLocked creates the streams, the peer connection and the local
// offer. Caller holds the lock and has verified the attempt is current.
func (c *Controller) setupAndOfferLocked(ctx context.Context, tracks []Track) (webrtc.SessionDescription, error) {
	if err := c.setupTransportLocked(tracks); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(ctx)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// setupTransportLocked creates the local/remote streams and a wired peer
// connection with the local tracks attached.
func (c *Controller) setupTransportLocked(tracks []Track) error {
	pc, err := c.newPC()
	if err != nil {
		stopTracks(tracks)
		return err
	}
	// The remote container exists before any remote track arrives so the UI
	// can bind to it immediately.
	c.local = NewMediaStream(tracks...)
	c.remote = NewMediaStream()
	c.pc = pc
	c.wirePC(pc, c.gen)
	for _, t := range tracks {
		if err := pc.AddTrack(t); err != nil {
			log.Printf("CALL [%s]: AddTrack error: %v", c.conversation, err)
		}
	}
	return nil
}

// AcceptCall answers the pending inbound offer.
func (c *Controller) AcceptCall(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusIncoming || c.pending == nil {
		c.mu.Unlock()
		return ErrNoPendingOffer
	}
	offer := *c.pending
	gen := c.gen
	c.mu.Unlock()

	tracks, err := c.media.GetUserMedia(ctx, ConstraintsFor(offer.CallType))
	if err != nil {
		c.failIfCurrent(gen, "local media unavailable: "+err.Error())
		return err
	}

	c.mu.Lock()
	if c.gen != gen || c.status != StatusIncoming {
		c.mu.Unlock()
		stopTracks(tracks)
		return nil // caller hung up while we were acquiring media
	}

	answer, err := c.answerLocked(ctx, tracks, offer)
	if err != nil {
		c.failLocked("call setup failed: " + err.Error())
		c.mu.Unlock()
		c.notify()
		return err
	}
	c.status = StatusConnecting
	c.pending = nil
	payload := AnswerPayload{From: c.self, To: c.peer, SDP: answer}
	c.mu.Unlock()
	c.notify()

	c.send(EventAnswer, payload)
	log.Printf("CALL [%s]: answer sent to %s", c.conversation, c.peer)
	return nil
}

func (c *Controller) answerLocked(ctx context.Context, tracks []Track, offer PendingOffer) (webrtc.SessionDescription, error) {
	if err := c.setupTransportLocked(tracks); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetRemoteDescription(offer.SDP); err != nil {
		return webrtc.SessionDescription{}, err
	}
	c.remoteDescSet = true
	c.flushEarlyICELocked()

	answer, err := c.pc.CreateAnswer(ctx)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// RejectCall declines the pending inbound offer. No-op in any other state.
func (c *Controller) RejectCall() {
	c.mu.Lock()
	if c.status != StatusIncoming || c.pending == nil {
		c.mu.Unlock()
		return
	}
	caller := c.pending.From
	c.endLocked("rejected")
	c.mu.Unlock()
	c.notify()

	c.send(EventReject, ControlPayload{From: c.self, To: caller})
	log.Printf("CALL [%s]: rejected call from %s", c.conversation, caller)
}

// EndCall hangs up the current call attempt. No-op when idle or ended.
func (c *Controller) EndCall() {
	c.mu.Lock()
	if !c.status.Busy() {
		c.mu.Unlock()
		return
	}
	c.endLocked("hangup")
	c.mu.Unlock()
	c.notify()

	c.send(EventEnd, ControlPayload{From: c.self, To: c.peer})
	log.Printf("CALL [%s]: hangup sent to %s", c.conversation, c.peer)
}

// ToggleMute flips the enabled flag on all local audio tracks.
// Returns the new muted state (true = muted). No-op without a local stream.
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	if c.local == nil {
		c.mu.Unlock()
		return false
	}
	c.muted = !c.muted
	muted := c.muted
	local := c.local
	c.mu.Unlock()

	local.SetKindEnabled(webrtc.RTPCodecTypeAudio, !muted)
	c.notify()
	return muted
}

// ToggleCamera flips the enabled flag on all local video tracks.
// Returns the new camera-off state (true = off). No-op without a local stream.
func (c *Controller) ToggleCamera() bool {
	c.mu.Lock()
	if c.local == nil {
		c.mu.Unlock()
		return false
	}
	c.cameraOff = !c.cameraOff
	off := c.cameraOff
	local := c.local
	c.mu.Unlock()

	local.SetKindEnabled(webrtc.RTPCodecTypeVideo, !off)
	c.notify()
	return off
}

// Detach tears the controller down and resets it to idle. Used when the
// identity triple changes and the signaling subscription must be rebuilt.
// Idempotent.
func (c *Controller) Detach() {
	c.mu.Lock()
	if c.status.Busy() {
		c.endLocked("detached")
	} else {
		c.teardownLocked()
	}
	c.status = StatusIdle
	c.direction = ""
	c.callType = ""
	c.lastErr = ""
	c.mu.Unlock()
	c.notify()
}

// HandleSignal processes one inbound signaling envelope. Payloads not
// addressed from the bound peer to the local user are ignored.
func (c *Controller) HandleSignal(env *Envelope) {
	switch env.Event {
	case EventOffer:
		var p OfferPayload
		if json.Unmarshal(env.Payload, &p) != nil || !c.addressedToMe(p.From, p.To) {
			return
		}
		c.handleOffer(p)
	case EventAnswer:
		var p AnswerPayload
		if json.Unmarshal(env.Payload, &p) != nil || !c.addressedToMe(p.From, p.To) {
			return
		}
		c.handleAnswer(p)
	case EventICE:
		var p ICEPayload
		if json.Unmarshal(env.Payload, &p) != nil || !c.addressedToMe(p.From, p.To) {
			return
		}
		c.handleRemoteICE(p.Candidate)
	case EventEnd, EventReject:
		var p ControlPayload
		if json.Unmarshal(env.Payload, &p) != nil || !c.addressedToMe(p.From, p.To) {
			return
		}
		c.handleRemoteEnd(env.Event)
	case EventBusy:
		var p ControlPayload
		if json.Unmarshal(env.Payload, &p) != nil || !c.addressedToMe(p.From, p.To) {
			return
		}
		c.handleRemoteBusy()
	}
}

func (c *Controller) addressedToMe(from, to string) bool {
	return to == c.self && from == c.peer
}

func (c *Controller) handleOffer(p OfferPayload) {
	c.mu.Lock()
	if c.status.Busy() {
		c.mu.Unlock()
		// A second offer while a call is underway is answered with busy and
		// produces no state change.
		c.send(EventBusy, ControlPayload{From: c.self, To: p.From})
		log.Printf("CALL [%s]: busy sent to %s", c.conversation, p.From)
		return
	}
	c.beginAttemptLocked(DirectionIncoming, p.CallType)
	c.pending = &PendingOffer{From: p.From, CallType: p.CallType, SDP: p.SDP}
	c.status = StatusIncoming
	c.mu.Unlock()
	c.notify()
	log.Printf("CALL [%s]: incoming %s call from %s", c.conversation, p.CallType, p.From)
}

func (c *Controller) handleAnswer(p AnswerPayload) {
	c.mu.Lock()
	// Order-strict: an answer only applies to a live outbound negotiation.
	if c.pc == nil || c.status != StatusConnecting || c.direction != DirectionOutgoing {
		c.mu.Unlock()
		return
	}
	if err := c.pc.SetRemoteDescription(p.SDP); err != nil {
		c.failLocked("apply answer failed: " + err.Error())
		c.mu.Unlock()
		c.notify()
		return
	}
	c.remoteDescSet = true
	c.flushEarlyICELocked()
	c.mu.Unlock()
	// Status stays connecting; in-call is driven by the transport's own
	// connected state once ICE completes.
	log.Printf("CALL [%s]: answer applied", c.conversation)
}

// handleRemoteICE applies or buffers a remote candidate. Failures are
// swallowed — candidates racing a teardown are expected.
func (c *Controller) handleRemoteICE(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	if !c.status.Busy() {
		c.mu.Unlock()
		return
	}
	if c.pc == nil || !c.remoteDescSet {
		// Candidates can outrun the SDP exchange; hold them until the
		// remote description lands.
		c.earlyICE = append(c.earlyICE, cand)
		c.mu.Unlock()
		return
	}
	pc := c.pc
	c.mu.Unlock()

	if err := pc.AddICECandidate(cand); err != nil {
		log.Printf("CALL [%s]: AddICECandidate: %v", c.conversation, err)
	}
}

// flushEarlyICELocked applies candidates that arrived before the remote
// description. Caller holds the lock and has set remoteDescSet.
func (c *Controller) flushEarlyICELocked() {
	for _, cand := range c.earlyICE {
		if err := c.pc.AddICECandidate(cand); err != nil {
			log.Printf("CALL [%s]: buffered AddICECandidate: %v", c.conversation, err)
		}
	}
	c.earlyICE = nil
}

func (c *Controller) handleRemoteEnd(event string) {
	c.mu.Lock()
	if !c.status.Busy() {
		c.mu.Unlock()
		return
	}
	reason := "remote-end"
	if event == EventReject {
		reason = "remote-reject"
	}
	c.endLocked(reason)
	c.mu.Unlock()
	c.notify()
	log.Printf("CALL [%s]: remote %s", c.conversation, event)
}

func (c *Controller) handleRemoteBusy() {
	c.mu.Lock()
	if !c.status.Busy() {
		c.mu.Unlock()
		return
	}
	c.lastErr = busyError
	c.endLocked("busy")
	c.mu.Unlock()
	c.notify()
	log.Printf("CALL [%s]: peer %s is busy", c.conversation, c.peer)
}

// wirePC registers the transport callbacks. Each callback re-checks gen so
// events from a torn-down connection are dropped.
func (c *Controller) wirePC(pc PeerConnection, gen int) {
	pc.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		c.mu.Lock()
		stale := c.gen != gen
		c.mu.Unlock()
		if stale {
			return
		}
		c.send(EventICE, ICEPayload{From: c.self, To: c.peer, Candidate: cand})
	})

	pc.OnTrack(func(t Track) {
		c.mu.Lock()
		if c.gen != gen || c.remote == nil {
			c.mu.Unlock()
			return
		}
		added := c.remote.AddTrack(t)
		c.mu.Unlock()
		if added {
			log.Printf("CALL [%s]: remote %s track %s", c.conversation, t.Kind(), t.ID())
			c.notify()
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if c.status == StatusConnecting {
				c.status = StatusInCall
				c.connectedAt = time.Now()
				c.mu.Unlock()
				c.notify()
				log.Printf("CALL [%s]: connected", c.conversation)
				return
			}
			c.mu.Unlock()
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			c.failLocked("transport " + s.String())
			c.mu.Unlock()
			c.notify()
			log.Printf("CALL [%s]: transport %s", c.conversation, s)
		default:
			c.mu.Unlock()
		}
	})
}

// beginAttemptLocked resets per-attempt state at the start of a fresh call.
func (c *Controller) beginAttemptLocked(dir Direction, t Type) {
	c.attemptID = uuid.NewString()
	c.startedAt = time.Now()
	c.connectedAt = time.Time{}
	c.lastErr = ""
	c.direction = dir
	c.callType = t
}

// failLocked records the failure and forces the terminal state. The same
// teardown path serves hangup, rejection and failure so cleanup cannot
// diverge between them.
func (c *Controller) failLocked(msg string) {
	c.lastErr = msg
	c.endLocked("error")
}

/// failIfCurrent is failLocked for resumed async operations: it only applies
// if no teardown happened since gen was captured.
func (c *Controller) failIfCurrent(gen int, msg string) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.failLocked(msg)
	c.mu.Unlock()
	c.notify()
}

// endLocked transitions to ended, tears everything down and emits the
// attempt summary exactly once.
func (c *Controller) endLocked(reason string) {
	wasBusy := c.status.Busy()
	c.status = StatusEnded
	id := c.attemptID
	summary := Summary{
		ID:           id,
		Conversation: c.conversation,
		Peer:         c.peer,
		Direction:    c.direction,
		CallType:     c.callType,
		StartedAt:    c.startedAt,
		ConnectedAt:  c.connectedAt,
		EndedAt:      time.Now(),
		Reason:       reason,
		Error:        c.lastErr,
	}
	c.teardownLocked()
	if wasBusy && id != "" && c.onEnded != nil {
		c.attemptID = ""
		go c.onEnded(summary)
	}
}

// teardownLocked is the unconditional cleanup routine: release the peer
// connection, stop both streams, drop the pending offer and reset the
// toggle flags. Idempotent — every field is nulled after release.
func (c *Controller) teardownLocked() {
	c.gen++
	if c.local != nil {
		c.local.StopAll()
		c.local = nil
	}
	if c.remote != nil {
		c.remote.StopAll()
		c.remote = nil
	}
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			log.Printf("CALL [%s]: close peer connection: %v", c.conversation, err)
		}
		c.pc = nil
	}
	c.pending = nil
	c.earlyICE = nil
	c.remoteDescSet = false
	c.muted = false
	c.cameraOff = false
}

func (c *Controller) send(event string, payload any) {
	if err := c.sig.Send(c.conversation, event, payload); err != nil {
		// A dropped control signal must not crash the local call state.
		log.Printf("CALL [%s]: send %s failed: %v", c.conversation, event, err)
	}
}

// Snapshot returns the current reactive state for the UI layer.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Conversation: c.conversation,
		Peer:         c.peer,
		Status:       c.status.String(),
		Direction:    c.direction,
		CallType:     c.callType,
		Error:        c.lastErr,
		Muted:        c.muted,
		CameraOff:    c.cameraOff,
		LocalStream:  c.local != nil,
		RemoteStream: c.remote != nil,
	}
}

// Status returns the current call status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LocalStream returns the local media stream, or nil outside a call.
func (c *Controller) LocalStream() *MediaStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// RemoteStream returns the remote media stream, or nil outside a call.
func (c *Controller) RemoteStream() *MediaStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// SubscribeState returns a channel receiving a snapshot after every state
// change, and a cancel func. Delivery is best-effort: slow listeners miss
// intermediate snapshots rather than blocking the controller.
func (c *Controller) SubscribeState() (ch chan Snapshot, cancel func()) {
	ch = make(chan Snapshot, 16)
	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

func (c *Controller) notify() {
	snap := c.Snapshot()
	c.listenerMu.RLock()
	for ch := range c.listeners {
		select {
		case ch <- snap:
		default:
		}
	}
	c.listenerMu.RUnlock()
}

func stopTracks(tracks []Track) {
	for _, t := range tracks {
		t.Stop()
	}
}
