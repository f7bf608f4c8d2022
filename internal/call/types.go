package call

import (
	"context"
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Signaler is the only surface the call package needs from the signaling
// layer. The concrete signal.Manager satisfies this via a small adapter in
// internal/app (the only place that imports both packages).
type Signaler interface {
	// Send broadcasts an event on a conversation channel.
	Send(conversation, event string, payload any) error
	// Subscribe returns a channel of inbound envelopes and a cancel func.
	Subscribe() (ch chan *Envelope, cancel func())
}

// Envelope is a copy of signal.Envelope — avoids importing internal/signal.
type Envelope struct {
	Conversation string          `json:"conversation"`
	From         string          `json:"from"`
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload"`
}

// PeerConnection is the slice of the WebRTC transport the controller drives.
// The pion adapter in pion.go implements it against a real peer connection;
// tests inject a fake so the state machine runs without a media stack.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(cand webrtc.ICECandidateInit) error
	AddTrack(t Track) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(Track))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	Close() error
}

// PeerConnectionFactory creates a fresh transport for one call attempt.
type PeerConnectionFactory func() (PeerConnection, error)

// MediaSource acquires local capture tracks. The Linux implementation sits on
// pion/mediadevices; tests inject a fake.
type MediaSource interface {
	GetUserMedia(ctx context.Context, c Constraints) ([]Track, error)
}

// Constraints describes the requested local capture.
type Constraints struct {
	Audio  bool
	Video  bool
	Width  int
	Height int
}

// ConstraintsFor returns the capture constraints for a call type:
// audio-only for audio calls, audio plus 1280x720 video for video calls.
func ConstraintsFor(t Type) Constraints {
	c := Constraints{Audio: true}
	if t == TypeVideo {
		c.Video = true
		c.Width = 1280
		c.Height = 720
	}
	return c
}

// PendingOffer is the unaccepted inbound call invitation held while the
// controller's status is incoming.
type PendingOffer struct {
	From     string
	CallType Type
	SDP      webrtc.SessionDescription
}
