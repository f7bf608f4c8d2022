package call

import "github.com/pion/webrtc/v4"

// Signaling event names exchanged over the conversation channel.
const (
	EventOffer  = "offer"
	EventAnswer = "answer"
	EventICE    = "ice"
	EventEnd    = "end"
	EventReject = "reject"
	EventBusy   = "busy"
)

// OfferPayload carries an SDP offer from the caller.
type OfferPayload struct {
	From     string                    `json:"from"`
	To       string                    `json:"to"`
	CallType Type                      `json:"callType"`
	SDP      webrtc.SessionDescription `json:"sdp"`
}

// AnswerPayload carries the callee's SDP answer back to the caller.
type AnswerPayload struct {
	From string                    `json:"from"`
	To   string                    `json:"to"`
	SDP  webrtc.SessionDescription `json:"sdp"`
}

// ICEPayload carries a discovered ICE candidate to the remote peer.
type ICEPayload struct {
	From      string                  `json:"from"`
	To        string                  `json:"to"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// ControlPayload is the shared shape of end, reject and busy signals.
type ControlPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}
