//go:build !linux || !cgo

package call

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrCaptureUnsupported is returned when local capture drivers are not
// available on this platform.
var ErrCaptureUnsupported = errors.New("local media capture is only supported on linux")

// CaptureSource is a stub on platforms without capture drivers.
type CaptureSource struct{}

func NewMediaSource(videoDisabled bool) (*CaptureSource, error) {
	return &CaptureSource{}, nil
}

func (s *CaptureSource) Populate(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (s *CaptureSource) GetUserMedia(_ context.Context, _ Constraints) ([]Track, error) {
	return nil, ErrCaptureUnsupported
}
