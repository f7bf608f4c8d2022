package call

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pion/webrtc/v4"
)

type agent struct {
	sig       *fakeSignaler
	media     *fakeMedia
	pcs       *fakePCFactory
	mgr       *Manager
	summaries chan Summary
}

func newAgent(t *testing.T, self string) *agent {
	t.Helper()
	a := &agent{
		sig:       newFakeSignaler(self),
		media:     &fakeMedia{},
		pcs:       &fakePCFactory{},
		summaries: make(chan Summary, 8),
	}
	a.mgr = NewManager(a.sig, self, ManagerOptions{
		Media:   a.media,
		NewPC:   a.pcs.New,
		OnEnded: func(s Summary) { a.summaries <- s },
	})
	t.Cleanup(a.mgr.Close)
	return a
}

func (a *agent) controller(t *testing.T, conversation string) *Controller {
	t.Helper()
	var c *Controller
	waitFor(t, "controller for "+conversation, func() bool {
		var ok bool
		c, ok = a.mgr.Controller(conversation)
		return ok
	})
	return c
}

func waitForStatus(t *testing.T, c *Controller, want Status) {
	t.Helper()
	waitFor(t, "status "+want.String(), func() bool { return c.Status() == want })
}

func TestCallAcrossManagers(t *testing.T) {
	alice := newAgent(t, "alice")
	bob := newAgent(t, "bob")
	linkSignalers(alice.sig, bob.sig)

	ac := alice.mgr.Attach("conv-1", "bob")
	if err := ac.StartVideoCall(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Bob's manager admits the offer and creates a ringing controller.
	bc := bob.controller(t, "conv-1")
	waitForStatus(t, bc, StatusIncoming)
	if snap := bc.Snapshot(); snap.Peer != "alice" || snap.CallType != TypeVideo {
		t.Errorf("incoming snapshot = %+v", snap)
	}

	if err := bc.AcceptCall(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitForStatus(t, bc, StatusConnecting)

	// The answer reaches alice and both transports connect.
	waitFor(t, "answer applied", func() bool {
		return alice.pcs.last().remoteDescription() != nil
	})
	alice.pcs.last().fireState(webrtc.PeerConnectionStateConnected)
	bob.pcs.last().fireState(webrtc.PeerConnectionStateConnected)
	waitForStatus(t, ac, StatusInCall)
	waitForStatus(t, bc, StatusInCall)

	// ICE trickles both ways.
	alice.pcs.last().fireICE(webrtc.ICECandidateInit{Candidate: "a-1"})
	waitFor(t, "candidate at bob", func() bool {
		return len(bob.pcs.last().remoteCandidates()) == 1
	})

	// Alice hangs up; bob's side follows.
	ac.EndCall()
	waitForStatus(t, bc, StatusEnded)
	if sum := <-alice.summaries; sum.Reason != "hangup" {
		t.Errorf("alice summary = %+v", sum)
	}
	if sum := <-bob.summaries; sum.Reason != "remote-end" {
		t.Errorf("bob summary = %+v", sum)
	}
}

func TestOfferElsewhereWhileBusy(t *testing.T) {
	alice := newAgent(t, "alice")
	bob := newAgent(t, "bob")
	carol := newAgent(t, "carol")
	linkSignalers(alice.sig, bob.sig, carol.sig)

	// Alice and bob are mid-call on conv-1.
	ac := alice.mgr.Attach("conv-1", "bob")
	if err := ac.StartVideoCall(context.Background()); err != nil {
		t.Fatal(err)
	}
	bc := bob.controller(t, "conv-1")
	waitForStatus(t, bc, StatusIncoming)
	if err := bc.AcceptCall(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, ac, StatusConnecting)

	// Carol rings bob on conv-2 and is turned away.
	cc := carol.mgr.Attach("conv-2", "bob")
	if err := cc.StartAudioCall(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, cc, StatusEnded)
	if snap := cc.Snapshot(); snap.Error != "User is busy" {
		t.Errorf("carol error = %q", snap.Error)
	}
	if sum := <-carol.summaries; sum.Reason != "busy" {
		t.Errorf("carol summary = %+v", sum)
	}

	// The busy reply came from the manager, not from a ringing controller.
	if _, ok := bob.mgr.Controller("conv-2"); ok {
		t.Error("busy offer created a controller")
	}
	if got := bc.Status(); got != StatusConnecting {
		t.Errorf("live call disturbed: %v", got)
	}
}

func TestOfferToIdleControllerWhileBusyElsewhere(t *testing.T) {
	alice := newAgent(t, "alice")
	bob := newAgent(t, "bob")
	carol := newAgent(t, "carol")
	linkSignalers(alice.sig, bob.sig, carol.sig)

	// Bob already tracks carol's conversation, currently idle.
	cc := bob.mgr.Attach("conv-2", "carol")

	ac := alice.mgr.Attach("conv-1", "bob")
	if err := ac.StartVideoCall(context.Background()); err != nil {
		t.Fatal(err)
	}
	bc := bob.controller(t, "conv-1")
	waitForStatus(t, bc, StatusIncoming)

	// Even an already-attached conversation gets busy while conv-1 rings.
	carolCtrl := carol.mgr.Attach("conv-2", "bob")
	if err := carolCtrl.StartAudioCall(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, carolCtrl, StatusEnded)
	if got := cc.Status(); got != StatusIdle {
		t.Errorf("idle controller moved to %v", got)
	}
	<-carol.summaries
}

func TestOnIncomingFiresOncePerRing(t *testing.T) {
	alice := newAgent(t, "alice")
	bob := newAgent(t, "bob")
	linkSignalers(alice.sig, bob.sig)

	var fired atomic.Int32
	bob.mgr.OnIncoming(func(c *Controller) {
		if c.Status() != StatusIncoming {
			t.Errorf("handler saw status %v", c.Status())
		}
		fired.Add(1)
	})

	ac := alice.mgr.Attach("conv-1", "bob")
	if err := ac.StartVideoCall(context.Background()); err != nil {
		t.Fatal(err)
	}
	bc := bob.controller(t, "conv-1")
	waitForStatus(t, bc, StatusIncoming)
	waitFor(t, "handler fired", func() bool { return fired.Load() == 1 })

	// A re-sent offer while already ringing must not fire again.
	bob.sig.deliver(envelope(t, "conv-1", "alice", EventOffer,
		OfferPayload{From: "alice", To: "bob", CallType: TypeVideo, SDP: offerSDP()}))
	waitForStatus(t, bc, StatusIncoming)
	if got := fired.Load(); got != 1 {
		t.Errorf("handler fired %d times", got)
	}
}

func TestDispatchIgnoresMisaddressedOffers(t *testing.T) {
	bob := newAgent(t, "bob")

	// Offer for someone else: no controller, no busy reply.
	bob.sig.deliver(envelope(t, "conv-1", "alice", EventOffer,
		OfferPayload{From: "alice", To: "mallory", CallType: TypeAudio, SDP: offerSDP()}))
	// Offer without a sender.
	bob.sig.deliver(envelope(t, "conv-1", "alice", EventOffer,
		OfferPayload{From: "", To: "bob", CallType: TypeAudio, SDP: offerSDP()}))
	// Stray answer for an untracked conversation.
	bob.sig.deliver(envelope(t, "conv-9", "alice", EventAnswer,
		AnswerPayload{From: "alice", To: "bob", SDP: answerSDP()}))

	// A valid offer behind them proves the loop drained the queue.
	bob.sig.deliver(envelope(t, "conv-1", "alice", EventOffer,
		OfferPayload{From: "alice", To: "bob", CallType: TypeAudio, SDP: offerSDP()}))
	bob.controller(t, "conv-1")

	if n := len(bob.mgr.Controllers()); n != 1 {
		t.Errorf("controllers = %d, want 1", n)
	}
	if events := bob.sig.sentEvents(); len(events) != 0 {
		t.Errorf("unexpected replies: %v", events)
	}
}

func TestAttachReplacesOnPeerChange(t *testing.T) {
	bob := newAgent(t, "bob")

	c1 := bob.mgr.Attach("conv-1", "alice")
	if again := bob.mgr.Attach("conv-1", "alice"); again != c1 {
		t.Error("same identity did not reuse the controller")
	}

	c2 := bob.mgr.Attach("conv-1", "carol")
	if c2 == c1 {
		t.Error("peer change kept the old controller")
	}
	if snap := c2.Snapshot(); snap.Peer != "carol" {
		t.Errorf("new controller peer = %q", snap.Peer)
	}
}

func TestManagerActiveAndClose(t *testing.T) {
	alice := newAgent(t, "alice")
	bob := newAgent(t, "bob")
	linkSignalers(alice.sig, bob.sig)

	if alice.mgr.Active() {
		t.Error("active with no calls")
	}
	ac := alice.mgr.Attach("conv-1", "bob")
	if err := ac.StartVideoCall(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !alice.mgr.Active() {
		t.Error("not active during a call attempt")
	}

	alice.mgr.Close()
	if got := ac.Status(); got != StatusIdle {
		t.Errorf("status after close = %v, want idle", got)
	}
	if sum := <-alice.summaries; sum.Reason != "hangup" {
		t.Errorf("summary = %+v", sum)
	}
}
