package call

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var errNotAttachable = errors.New("track does not carry a local pion track")

// pliInterval is how often a picture-loss indication is sent for each remote
// video track so the sender keeps emitting keyframes.
const pliInterval = 3 * time.Second

// PionOptions configures the real WebRTC transport.
type PionOptions struct {
	ICEServers []webrtc.ICEServer

	// PopulateMedia registers the capture codecs on the media engine.
	// Nil registers the default codec set (receive-only builds).
	PopulateMedia func(*webrtc.MediaEngine) error
}

// DefaultICEServers returns the public STUN fallback used when the config
// names no ICE servers.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
}

// NewPionFactory returns a PeerConnectionFactory producing Pion-backed
// transports with long ICE timeouts and the default interceptor set.
func NewPionFactory(opts PionOptions) PeerConnectionFactory {
	return func() (PeerConnection, error) {
		return newPionPC(opts)
	}
}

// pionPC adapts *webrtc.PeerConnection to the PeerConnection interface.
type pionPC struct {
	pc   *webrtc.PeerConnection
	done chan struct{}

	closeOnce sync.Once

	mu          sync.Mutex
	localTracks int

	recvPackets uint64
	recvBytes   uint64
}

func newPionPC(opts PionOptions) (*pionPC, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if opts.PopulateMedia != nil {
		if err := opts.PopulateMedia(mediaEngine); err != nil {
			return nil, err
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout of 5s is far too
	// short for relay paths with short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	iceServers := opts.ICEServers
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}

	return &pionPC{pc: pc, done: make(chan struct{})}, nil
}

func (p *pionPC) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	p.ensureMediaLines()
	return p.pc.CreateOffer(nil)
}

func (p *pionPC) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	p.ensureMediaLines()
	return p.pc.CreateAnswer(nil)
}

// ensureMediaLines adds recvonly transceivers when no local track was added
// so CreateOffer/CreateAnswer still produces valid m-lines with ICE
// credentials (a receive-only call).
func (p *pionPC) ensureMediaLines() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.localTracks > 0 {
		return
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("CALL: AddTransceiver(%s) error: %v", kind, err)
		}
	}
	p.localTracks = -1 // only add them once
}

func (p *pionPC) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPC) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(cand)
}

func (p *pionPC) AddTrack(t Track) error {
	lt, ok := t.(interface{ TrackLocal() webrtc.TrackLocal })
	if !ok {
		return errNotAttachable
	}
	if _, err := p.pc.AddTrack(lt.TrackLocal()); err != nil {
		return err
	}
	p.mu.Lock()
	if p.localTracks < 0 {
		p.localTracks = 0
	}
	p.localTracks++
	p.mu.Unlock()
	return nil
}

func (p *pionPC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return // end of gathering
		}
		fn(cand.ToJSON())
	})
}

func (p *pionPC) OnTrack(fn func(Track)) {
	p.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := &remoteTrack{id: tr.ID(), kind: tr.Kind(), enabled: true}
		go p.drainRTP(tr)
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			go p.sendPLI(tr)
		}
		fn(rt)
	})
}

func (p *pionPC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPC) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.pc.Close()
		log.Printf("CALL: transport closed — %d RTP packets, %d bytes received",
			atomic.LoadUint64(&p.recvPackets), atomic.LoadUint64(&p.recvBytes))
	})
	return err
}

// drainRTP keeps reading the remote track so the interceptor chain stays
// live; receive stats are kept for the close log.
func (p *pionPC) drainRTP(tr *webrtc.TrackRemote) {
	for {
		select {
		case <-p.done:
			return
		default:
		}
		var pkt *rtp.Packet
		var err error
		if pkt, _, err = tr.ReadRTP(); err != nil {
			return
		}
		atomic.AddUint64(&p.recvPackets, 1)
		atomic.AddUint64(&p.recvBytes, uint64(pkt.MarshalSize()))
	}
}

// sendPLI periodically requests a keyframe for a remote video track.
func (p *pionPC) sendPLI(tr *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			err := p.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

// remoteTrack wraps an inbound Pion track. The enabled flag is local render
// state; stopping the underlying receiver is owned by the peer connection.
type remoteTrack struct {
	id   string
	kind webrtc.RTPCodecType

	mu      sync.Mutex
	enabled bool
}

func (t *remoteTrack) ID() string                { return t.id }
func (t *remoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *remoteTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *remoteTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *remoteTrack) Stop() {}
