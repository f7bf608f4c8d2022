package call

import "fmt"

// Status is the lifecycle state of a call session.
type Status int

const (
	// StatusIdle means no active call; the default and reset state.
	StatusIdle Status = iota
	// StatusOutgoing means the local side initiated a call and is acquiring media.
	StatusOutgoing
	// StatusIncoming means a remote offer was received and not yet accepted or rejected.
	StatusIncoming
	// StatusConnecting means the SDP exchange is in flight and a peer connection exists.
	StatusConnecting
	// StatusInCall means the transport reported a connected state.
	StatusInCall
	// StatusEnded is terminal for a call attempt; a new call or an identity
	// change is required to leave it.
	StatusEnded
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusOutgoing:
		return "outgoing"
	case StatusIncoming:
		return "incoming"
	case StatusConnecting:
		return "connecting"
	case StatusInCall:
		return "in-call"
	case StatusEnded:
		return "ended"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// IsTerminal returns true if the status is terminal for the call attempt.
func (s Status) IsTerminal() bool {
	return s == StatusEnded
}

// Busy returns true while a call attempt is underway. A new outbound call or
// an inbound offer must not be admitted in these states.
func (s Status) Busy() bool {
	return s != StatusIdle && s != StatusEnded
}

// Direction indicates which side initiated the call.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Type is the media profile of a call.
type Type string

const (
	TypeAudio Type = "audio"
	TypeVideo Type = "video"
)
