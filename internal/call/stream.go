package call

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Track is one media track, local or remote.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(on bool)
	Stop()
}

// MediaStream is a container of tracks owned by the controller. The remote
// stream is created empty alongside local capture so the UI layer can bind
// before any remote track arrives; tracks are added idempotently by id since
// some transports deliver the same media twice.
type MediaStream struct {
	mu     sync.Mutex
	tracks []Track
	seen   map[string]struct{}
}

// NewMediaStream creates a stream holding the given tracks.
func NewMediaStream(tracks ...Track) *MediaStream {
	s := &MediaStream{seen: make(map[string]struct{})}
	for _, t := range tracks {
		s.AddTrack(t)
	}
	return s
}

// AddTrack adds a track unless one with the same id is already present.
// Returns true if the track was added.
func (s *MediaStream) AddTrack(t Track) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[t.ID()]; dup {
		return false
	}
	s.seen[t.ID()] = struct{}{}
	s.tracks = append(s.tracks, t)
	return true
}

// Tracks returns a snapshot of the contained tracks.
func (s *MediaStream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// SetKindEnabled flips the enabled flag on every track of the given kind.
func (s *MediaStream) SetKindEnabled(kind webrtc.RTPCodecType, on bool) {
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(on)
		}
	}
}

// StopAll stops every track and empties the container.
func (s *MediaStream) StopAll() {
	s.mu.Lock()
	tracks := s.tracks
	s.tracks = nil
	s.seen = make(map[string]struct{})
	s.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
}
