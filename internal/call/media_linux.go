//go:build linux && cgo

package call

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// CaptureSource acquires camera/microphone tracks via pion/mediadevices
// (V4L2 + malgo on Linux).
type CaptureSource struct {
	codecSelector *mediadevices.CodecSelector
	videoDisabled bool
}

// NewMediaSource builds a capture source with VP8+Opus encoders.
func NewMediaSource(videoDisabled bool) (*CaptureSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &CaptureSource{
		codecSelector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		videoDisabled: videoDisabled,
	}, nil
}

// Populate registers the capture codecs on a media engine; pass it to
// PionOptions so the transport negotiates what the encoders produce.
func (s *CaptureSource) Populate(me *webrtc.MediaEngine) error {
	s.codecSelector.Populate(me)
	return nil
}

// GetUserMedia captures local tracks for the given constraints.
func (s *CaptureSource) GetUserMedia(_ context.Context, c Constraints) ([]Track, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("no media devices found")
	}
	for _, d := range devices {
		log.Printf("CALL: media device — kind=%v label=%q", d.Kind, d.Label)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: s.codecSelector}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}
	if c.Video && !s.videoDisabled {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8 encoder
			// and breaks SDP negotiation. Raw formats only.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if c.Width > 0 {
				mc.Width = prop.IntRanged{Max: c.Width}
			}
			if c.Height > 0 {
				mc.Height = prop.IntRanged{Max: c.Height}
			}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	mdTracks := stream.GetTracks()
	out := make([]Track, 0, len(mdTracks))
	for _, t := range mdTracks {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Printf("CALL: local track ended: %v", err)
			}
		})
		out = append(out, &localTrack{t: t, enabled: true})
	}
	log.Printf("CALL: local media captured — %d tracks", len(out))
	return out, nil
}

// localTrack wraps a mediadevices capture track.
type localTrack struct {
	t mediadevices.Track

	mu      sync.Mutex
	enabled bool
}

func (t *localTrack) ID() string                { return t.t.ID() }
func (t *localTrack) Kind() webrtc.RTPCodecType { return t.t.Kind() }

func (t *localTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *localTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *localTrack) Stop() {
	if err := t.t.Close(); err != nil {
		log.Printf("CALL: close local track: %v", err)
	}
}

// TrackLocal exposes the underlying pion track for transport attachment.
func (t *localTrack) TrackLocal() webrtc.TrackLocal { return t.t }
