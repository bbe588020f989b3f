package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/fieldlink/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Broker   Broker   `json:"broker"`
	Servers  Servers  `json:"servers"`
	Presence Presence `json:"presence"`
	Paths    Paths    `json:"paths"`
	Viewer   Viewer   `json:"viewer"`
	Log      Log      `json:"log"`
}

type Identity struct {
	// DeviceID is the MQTT client id and the name of this device's inbox.
	DeviceID string `json:"device_id"`
}

type Broker struct {
	URI      string `json:"uri"` // tcp://host:port or ssl://host:port
	Username string `json:"username"`
	Password string `json:"password"`

	ConnectTimeoutSec int `json:"connect_timeout_seconds"`
	KeepAliveSec      int `json:"keepalive_seconds"`

	// Pause between tearing down the old client and dialing the new one so the
	// broker releases the client id.
	QuiescenceMs int `json:"quiescence_ms"`
}

type Servers struct {
	AttachmentURL string `json:"attachment_url"` // POST {attachment_url}/upload
	TileURL       string `json:"tile_url"`       // consumed by the map UI, must end with /tiles/
	TelephonyHost string `json:"telephony_host"` // IPv4 address of the call server
}

type Presence struct {
	OnlineWindowSec   int     `json:"online_window_seconds"`
	ReportIntervalSec int     `json:"report_interval_seconds"`
	MinMoveMeters     float64 `json:"min_move_meters"`
}

type Paths struct {
	DataDir        string `json:"data_dir"`
	AttachmentsDir string `json:"attachments_dir"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			DeviceID: "node1",
		},
		Broker: Broker{
			URI:               "tcp://192.168.29.239:1883",
			ConnectTimeoutSec: 10,
			KeepAliveSec:      60,
			QuiescenceMs:      500,
		},
		Servers: Servers{
			AttachmentURL: "http://192.168.29.242:8090",
			TileURL:       "http://192.168.29.242:8080/tiles/",
			TelephonyHost: "192.168.29.242",
		},
		Presence: Presence{
			OnlineWindowSec:   300,
			ReportIntervalSec: 3,
			MinMoveMeters:     2,
		},
		Paths: Paths{
			DataDir:        "data",
			AttachmentsDir: "attachments",
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:7780",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Endpoint combines the broker uri and credentials.
func (b Broker) Endpoint() (Endpoint, error) {
	ep, err := ParseEndpoint(b.URI)
	if err != nil {
		return Endpoint{}, err
	}
	ep.Username = b.Username
	ep.Password = b.Password
	return ep, nil
}

func (c *Config) Validate() error {
	// Identity
	if err := ValidateIdentity(c.Identity.DeviceID); err != nil {
		return fmt.Errorf("identity.device_id: %w", err)
	}

	// Broker
	if _, err := ParseEndpoint(c.Broker.URI); err != nil {
		return fmt.Errorf("broker.uri: %w", err)
	}
	if c.Broker.ConnectTimeoutSec <= 0 {
		return errors.New("broker.connect_timeout_seconds must be > 0")
	}
	if c.Broker.KeepAliveSec <= 0 {
		return errors.New("broker.keepalive_seconds must be > 0")
	}
	if c.Broker.QuiescenceMs < 500 {
		return errors.New("broker.quiescence_ms must be >= 500")
	}

	// Servers
	if err := validateHTTPURL(c.Servers.AttachmentURL); err != nil {
		return fmt.Errorf("servers.attachment_url: %w", err)
	}
	if err := validateHTTPURL(c.Servers.TileURL); err != nil {
		return fmt.Errorf("servers.tile_url: %w", err)
	}
	if !strings.HasSuffix(c.Servers.TileURL, "/tiles/") {
		return errors.New("servers.tile_url must end with /tiles/")
	}
	if ip := net.ParseIP(c.Servers.TelephonyHost); ip == nil || ip.To4() == nil {
		return errors.New("servers.telephony_host must be an IPv4 address")
	}

	// Presence
	if c.Presence.OnlineWindowSec <= 0 {
		return errors.New("presence.online_window_seconds must be > 0")
	}
	if c.Presence.ReportIntervalSec <= 0 {
		return errors.New("presence.report_interval_seconds must be > 0")
	}
	if c.Presence.MinMoveMeters < 0 {
		return errors.New("presence.min_move_meters must be >= 0")
	}

	// Paths
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}
	if strings.TrimSpace(c.Paths.AttachmentsDir) == "" {
		return errors.New("paths.attachments_dir is required")
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %v", err)
		}
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level)
	}

	return nil
}

func validateHTTPURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("url cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url must start with http:// or https://")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
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
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
