package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/eduline/callkit/internal/api"
	"github.com/eduline/callkit/internal/call"
	"github.com/eduline/callkit/internal/config"
	"github.com/eduline/callkit/internal/history"
	"github.com/eduline/callkit/internal/signal"
	"github.com/eduline/callkit/internal/util"

	"github.com/pion/webrtc/v4"
)

type Options struct {
	AgentDir string
	CfgPath  string
	Cfg      config.Config
}

// Run starts one call agent: signaling transport, controllers for the
// configured conversations, the optional history store and the local
// control API. It blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logBanner(opt.AgentDir, opt.CfgPath, cfg)

	// ── Signaling transport
	tr, err := openTransport(ctx, opt.AgentDir, cfg)
	if err != nil {
		return fmt.Errorf("open signaling transport: %w", err)
	}

	sig := signal.NewManager(tr, cfg.Identity.UserID)
	defer sig.Close()

	for _, conv := range cfg.Conversations {
		if err := sig.Join(ctx, conv.ID); err != nil {
			return fmt.Errorf("join conversation %s: %w", conv.ID, err)
		}
		log.Printf("SIGNAL: joined conversation %s (peer %s)", conv.ID, conv.Peer)
	}

	// ── Media capture
	source, err := call.NewMediaSource(cfg.Media.VideoDisabled)
	if err != nil {
		return fmt.Errorf("media source: %w", err)
	}
	media := capMedia(source, cfg.Media.Width, cfg.Media.Height)

	factory := call.NewPionFactory(call.PionOptions{
		ICEServers:    iceServers(cfg.ICE.Servers),
		PopulateMedia: source.Populate,
	})

	// ── History store (optional)
	var store *history.Store
	if cfg.History.DBPath != "" {
		store, err = history.Open(util.ResolvePath(opt.AgentDir, cfg.History.DBPath), cfg.History.Keep)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer store.Close()
		log.Printf("HISTORY: %s (keep %d)", cfg.History.DBPath, cfg.History.Keep)
	}

	// ── Call manager
	hub := api.NewHub(32)
	mgr := call.NewManager(sig, cfg.Identity.UserID, call.ManagerOptions{
		Media: media,
		NewPC: factory,
		OnEnded: func(s call.Summary) {
			if store != nil {
				if err := store.Insert(s); err != nil {
					log.Printf("HISTORY: insert failed: %v", err)
				}
			}
			hub.Publish(api.Event{
				Type:         "call-ended",
				Conversation: s.Conversation,
				Peer:         s.Peer,
				Summary:      &s,
			})
		},
	})
	defer mgr.Close()

	for _, conv := range cfg.Conversations {
		mgr.Attach(conv.ID, conv.Peer)
	}

	// ── Control API
	var srv *http.Server
	if cfg.API.HTTPAddr != "" {
		addr, url := normalizeLocalAPI(cfg.API.HTTPAddr)
		mux := http.NewServeMux()
		api.Register(mux, api.Deps{
			Self:    cfg.Identity.UserID,
			Manager: mgr,
			History: store,
			Hub:     hub,
		})
		srv = &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("API: server error: %v", err)
			}
		}()
		log.Printf("API: %s", url)
	}

	// ── Config watcher: conversation changes apply without a restart.
	stopWatch, err := watchConfig(opt.CfgPath, func(next config.Config) {
		applyConversations(ctx, sig, mgr, cfg.Conversations, next.Conversations)
		cfg.Conversations = next.Conversations
	})
	if err != nil {
		log.Printf("CONFIG: watcher unavailable: %v", err)
	} else {
		defer stopWatch()
	}

	<-ctx.Done()
	log.Println("AGENT: shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
	return nil
}

// openTransport builds the signaling backend named by the config.
func openTransport(ctx context.Context, dir string, cfg config.Config) (signal.Transport, error) {
	switch cfg.Signaling.Transport {
	case config.TransportP2P:
		tr, err := signal.NewP2PTransport(ctx, signal.P2POptions{
			ListenPort: cfg.Signaling.ListenPort,
			KeyFile:    util.ResolvePath(dir, cfg.Identity.KeyFile),
			Bootstrap:  cfg.Signaling.Bootstrap,
		})
		if err != nil {
			return nil, err
		}
		log.Printf("P2P: peer id %s", tr.PeerID())
		for _, a := range tr.Addrs() {
			log.Printf("P2P: listening on %s", a)
		}
		return tr, nil

	case config.TransportWS:
		tr, err := signal.NewWSTransport(ctx, cfg.Signaling.GatewayURL)
		if err != nil {
			return nil, err
		}
		log.Printf("WS: connected to %s", cfg.Signaling.GatewayURL)
		return tr, nil

	case config.TransportMemory:
		// Single-process transport, useful for demos and tests.
		return signal.NewBus().Endpoint(), nil

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Signaling.Transport)
	}
}

// applyConversations reconciles the attached controllers and joined
// channels with the new conversation list.
func applyConversations(ctx context.Context, sig *signal.Manager, mgr *call.Manager, old, next []config.Conversation) {
	want := make(map[string]string, len(next))
	for _, c := range next {
		want[c.ID] = c.Peer
	}

	for _, c := range old {
		if _, ok := want[c.ID]; !ok {
			mgr.Detach(c.ID)
			if err := sig.Leave(c.ID); err != nil {
				log.Printf("CONFIG: leave %s: %v", c.ID, err)
			}
			log.Printf("CONFIG: left conversation %s", c.ID)
		}
	}

	have := make(map[string]bool, len(old))
	for _, c := range old {
		have[c.ID] = true
	}
	for _, c := range next {
		if !have[c.ID] {
			joinCtx, cancel := context.WithTimeout(ctx, util.ShortTimeout)
			err := sig.Join(joinCtx, c.ID)
			cancel()
			if err != nil {
				log.Printf("CONFIG: join %s: %v", c.ID, err)
				continue
			}
			log.Printf("CONFIG: joined conversation %s (peer %s)", c.ID, c.Peer)
		}
		// Attach is idempotent and handles peer changes itself.
		mgr.Attach(c.ID, c.Peer)
	}
}

// iceServers converts configured STUN/TURN URLs to the webrtc form.
// Empty input keeps the built-in default.
func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	return out
}

// cappedSource clamps video capture to the configured resolution.
type cappedSource struct {
	src           call.MediaSource
	width, height int
}

func capMedia(src call.MediaSource, width, height int) call.MediaSource {
	if width <= 0 && height <= 0 {
		return src
	}
	return &cappedSource{src: src, width: width, height: height}
}

func (s *cappedSource) GetUserMedia(ctx context.Context, c call.Constraints) ([]call.Track, error) {
	if s.width > 0 {
		c.Width = s.width
	}
	if s.height > 0 {
		c.Height = s.height
	}
	return s.src.GetUserMedia(ctx, c)
}

func logBanner(dir, cfgPath string, cfg config.Config) {
	log.Println("────────────────────────────────────────")
	log.Println("Callkit agent scope")
	log.Printf(" Agent folder : %s", dir)
	log.Printf(" Config file  : %s", cfgPath)
	log.Printf(" User id      : %s", cfg.Identity.UserID)
	log.Printf(" Transport    : %s", cfg.Signaling.Transport)
	log.Println("")
	log.Println(" This process represents ONE participant.")
	log.Println(" The agent folder is the participant's boundary.")
	log.Println(" Different folder/config = different participant.")
	log.Println("────────────────────────────────────────")
}
