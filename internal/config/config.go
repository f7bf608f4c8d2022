package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/eduline/callkit/internal/util"
)

type Config struct {
	Identity      Identity       `json:"identity"`
	Signaling     Signaling      `json:"signaling"`
	ICE           ICE            `json:"ice"`
	Media         Media          `json:"media"`
	API           API            `json:"api"`
	History       History        `json:"history"`
	Conversations []Conversation `json:"conversations"`
}

type Identity struct {
	// UserID is this participant's identity on the signaling channel.
	UserID  string `json:"user_id"`
	KeyFile string `json:"key_file"`
}

// Signaling transport kinds.
const (
	TransportP2P    = "p2p"
	TransportWS     = "ws"
	TransportMemory = "memory"
)

type Signaling struct {
	// Transport selects the signaling backend: "p2p" (gossipsub),
	// "ws" (gateway) or "memory" (single-process).
	Transport string `json:"transport"`

	// ListenPort is the libp2p TCP port (p2p transport only, 0 = random).
	ListenPort int `json:"listen_port"`

	// Bootstrap lists multiaddrs dialed on startup (p2p transport only).
	Bootstrap []string `json:"bootstrap"`

	// GatewayURL is the ws:// or wss:// signaling gateway (ws transport only).
	GatewayURL string `json:"gateway_url"`
}

type ICE struct {
	// Servers are STUN/TURN URLs. Empty means the built-in default.
	Servers []string `json:"servers"`
}

type Media struct {
	VideoDisabled bool `json:"video_disabled"` // Disable camera capture (audio-only host)
	Width         int  `json:"width"`
	Height        int  `json:"height"`
}

type API struct {
	// HTTPAddr is the local control API bind address. Empty disables it.
	HTTPAddr string `json:"http_addr"`
}

type History struct {
	// DBPath is the SQLite call-history database. Empty disables history.
	DBPath string `json:"db_path"`

	// Keep caps the number of stored records; 0 means unlimited.
	Keep int `json:"keep"`
}

// Conversation maps a conversation channel to the remote participant
// expected on it.
type Conversation struct {
	ID   string `json:"id"`
	Peer string `json:"peer"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Signaling: Signaling{
			Transport:  TransportP2P,
			ListenPort: 0,
		},
		ICE: ICE{
			Servers: nil,
		},
		Media: Media{
			VideoDisabled: false,
			Width:         1280,
			Height:        720,
		},
		API: API{
			HTTPAddr: "127.0.0.1:8791",
		},
		History: History{
			DBPath: "data/history.db",
			Keep:   500,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}

	// Signaling
	switch c.Signaling.Transport {
	case TransportP2P:
		if strings.TrimSpace(c.Identity.KeyFile) == "" {
			return errors.New("identity.key_file is required for the p2p transport")
		}
		if c.Signaling.ListenPort < 0 || c.Signaling.ListenPort > 65535 {
			return errors.New("signaling.listen_port must be 0..65535")
		}
	case TransportWS:
		if err := validateGatewayURL(c.Signaling.GatewayURL); err != nil {
			return fmt.Errorf("signaling.gateway_url: %w", err)
		}
	case TransportMemory:
		// nothing to check
	default:
		return fmt.Errorf("signaling.transport must be %q, %q or %q",
			TransportP2P, TransportWS, TransportMemory)
	}

	// ICE
	for _, s := range c.ICE.Servers {
		if strings.TrimSpace(s) == "" {
			return errors.New("ice.servers must not contain empty entries")
		}
	}

	// Media
	if c.Media.Width < 0 || c.Media.Height < 0 {
		return errors.New("media.width and media.height must be >= 0")
	}

	// History
	if c.History.Keep < 0 {
		return errors.New("history.keep must be >= 0")
	}

	// Conversations
	seen := make(map[string]struct{}, len(c.Conversations))
	for i, conv := range c.Conversations {
		if strings.TrimSpace(conv.ID) == "" {
			return fmt.Errorf("conversations[%d].id is required", i)
		}
		if strings.TrimSpace(conv.Peer) == "" {
			return fmt.Errorf("conversations[%d].peer is required", i)
		}
		if conv.Peer == c.Identity.UserID {
			return fmt.Errorf("conversations[%d].peer must not be the local user", i)
		}
		if _, dup := seen[conv.ID]; dup {
			return fmt.Errorf("conversations[%d].id %q is duplicated", i, conv.ID)
		}
		seen[conv.ID] = struct{}{}
	}

	return nil
}

func validateGatewayURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("required for the ws transport")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without validation. Useful for reading
// individual fields (like the transport kind) when full validation may fail.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = "user-" + util.RandomID(8)
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
