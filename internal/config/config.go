package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/petervdpas/meshrelay/internal/proto"
	"github.com/petervdpas/meshrelay/internal/util"
)

// FileName is the config file looked up inside a peer directory.
const FileName = "meshrelay.json"

type Config struct {
	Relay Relay `json:"relay"`
	Agent Agent `json:"agent"`
	Log   Log   `json:"log"`
}

type Relay struct {
	// Bind address. Default "127.0.0.1" (localhost only).
	// Set to "0.0.0.0" to accept devices from other machines.
	Bind string `json:"bind"`
	Port int    `json:"port"`

	// Public URL when the relay sits behind NAT or a reverse proxy.
	ExternalURL string `json:"external_url"`

	// Empty disables /devices.json, /diagnostics.json, /logs and /journal.json.
	AdminPassword string `json:"admin_password"`

	// When set, hello frames must carry a matching signature.
	HandshakeSecret string `json:"handshake_secret"`

	// SQLite presence journal, relative to the peer directory. Empty disables it.
	JournalPath           string `json:"journal_path"`
	JournalRetentionHours int    `json:"journal_retention_hours"`

	HandshakeTimeoutSec int     `json:"handshake_timeout_seconds"`
	IdleTimeoutSec      int     `json:"idle_timeout_seconds"` // 0 disables the sweeper
	MaxConnsPerIP       int     `json:"max_conns_per_ip"`     // 0 means unlimited
	EventsPerSecond     float64 `json:"events_per_second"`    // 0 means unlimited
	EventBurst          int     `json:"event_burst"`
	MaxMessageKB        int     `json:"max_message_kb"`
	SendQueue           int     `json:"send_queue"`
}

type Agent struct {
	// Example: ws://127.0.0.1:8787/ws or https://relay.example.org
	RelayURL   string `json:"relay_url"`
	UserID     string `json:"user_id"`
	DeviceID   string `json:"device_id"` // generated and saved on first run
	DeviceType string `json:"device_type"`

	HandshakeSecret string `json:"handshake_secret"`

	ConnectAttempts   int `json:"connect_attempts"`
	ConnectTimeoutSec int `json:"connect_timeout_seconds"`

	ClipboardWatch  bool `json:"clipboard_watch"`
	ClipboardPollMs int  `json:"clipboard_poll_ms"`

	OpenURLs bool `json:"open_urls"`

	DropDir    string `json:"drop_dir"`
	DropTarget string `json:"drop_target"`
	InboxDir   string `json:"inbox_dir"`
	MaxFileMB  int    `json:"max_file_mb"`

	DemoMode bool `json:"demo_mode"`
}

type Log struct {
	// debug, info, warn or error; applies to every subsystem logger.
	Level string `json:"level"`
	// plaintext, color or json
	Format      string `json:"format"`
	BufferLines int    `json:"buffer_lines"`
}

func Default() Config {
	return Config{
		Relay: Relay{
			Bind:                  "127.0.0.1",
			Port:                  8787,
			JournalPath:           "",
			JournalRetentionHours: 24 * 7,
			HandshakeTimeoutSec:   10,
			IdleTimeoutSec:        0,
			MaxConnsPerIP:         32,
			EventsPerSecond:       20,
			EventBurst:            40,
			MaxMessageKB:          8 * 1024,
			SendQueue:             64,
		},
		Agent: Agent{
			RelayURL:          "ws://127.0.0.1:8787/ws",
			UserID:            "",
			DeviceType:        string(proto.DeviceDesktop),
			ConnectAttempts:   3,
			ConnectTimeoutSec: 2,
			ClipboardWatch:    true,
			ClipboardPollMs:   500,
			OpenURLs:          true,
			DropDir:           "",
			DropTarget:        proto.TargetAll,
			InboxDir:          "inbox",
			MaxFileMB:         5,
		},
		Log: Log{
			Level:       "info",
			Format:      "plaintext",
			BufferLines: 500,
		},
	}
}

// Validate checks the relay and log sections. The agent section is checked
// separately by ValidateAgent because a relay host never uses it.
func (c *Config) Validate() error {
	// Relay
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return errors.New("relay.port must be 1..65535")
	}
	if b := c.Relay.Bind; b != "" && net.ParseIP(b) == nil {
		return errors.New("relay.bind must be a valid IP address")
	}
	if eu := strings.TrimSpace(c.Relay.ExternalURL); eu != "" {
		if err := validateURL(eu, "http", "https"); err != nil {
			return fmt.Errorf("relay.external_url: %w", err)
		}
	}
	if c.Relay.JournalRetentionHours < 0 {
		return errors.New("relay.journal_retention_hours must be >= 0")
	}
	if c.Relay.HandshakeTimeoutSec < 1 || c.Relay.HandshakeTimeoutSec > 300 {
		return errors.New("relay.handshake_timeout_seconds must be 1..300")
	}
	if c.Relay.IdleTimeoutSec < 0 {
		return errors.New("relay.idle_timeout_seconds must be >= 0")
	}
	if c.Relay.MaxConnsPerIP < 0 {
		return errors.New("relay.max_conns_per_ip must be >= 0")
	}
	if c.Relay.EventsPerSecond < 0 {
		return errors.New("relay.events_per_second must be >= 0")
	}
	if c.Relay.EventBurst < 0 {
		return errors.New("relay.event_burst must be >= 0")
	}
	if c.Relay.MaxMessageKB < 1 {
		return errors.New("relay.max_message_kb must be > 0")
	}
	if c.Relay.SendQueue < 1 {
		return errors.New("relay.send_queue must be > 0")
	}

	// Log
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level)
	}
	switch c.Log.Format {
	case "plaintext", "color", "json":
	default:
		return fmt.Errorf("log.format %q must be plaintext, color or json", c.Log.Format)
	}
	if c.Log.BufferLines < 0 {
		return errors.New("log.buffer_lines must be >= 0")
	}

	return nil
}

// ValidateAgent checks what the desktop agent needs before it can join.
func (c *Config) ValidateAgent() error {
	a := c.Agent
	if strings.TrimSpace(a.UserID) == "" {
		return errors.New("agent.user_id is required")
	}
	if !a.DemoMode {
		if strings.TrimSpace(a.RelayURL) == "" {
			return errors.New("agent.relay_url is required unless agent.demo_mode is set")
		}
		if err := validateURL(a.RelayURL, "ws", "wss", "http", "https"); err != nil {
			return fmt.Errorf("agent.relay_url: %w", err)
		}
	}
	if !proto.DeviceType(a.DeviceType).Valid() {
		return fmt.Errorf("agent.device_type %q must be desktop, mobile or web", a.DeviceType)
	}
	if strings.ContainsAny(a.DeviceID, " /\\") {
		return errors.New("agent.device_id must not contain spaces or slashes")
	}
	if a.ConnectAttempts < 1 {
		return errors.New("agent.connect_attempts must be > 0")
	}
	if a.ConnectTimeoutSec < 1 {
		return errors.New("agent.connect_timeout_seconds must be > 0")
	}
	if a.ClipboardWatch && (a.ClipboardPollMs < 50 || a.ClipboardPollMs > 60000) {
		return errors.New("agent.clipboard_poll_ms must be 50..60000")
	}
	if a.MaxFileMB < 1 || a.MaxFileMB > 64 {
		return errors.New("agent.max_file_mb must be 1..64")
	}
	if a.DropDir != "" && strings.TrimSpace(a.DropTarget) == "" {
		return errors.New("agent.drop_target is required when agent.drop_dir is set")
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("missing host")
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return errors.New("host must not be unspecified")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
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
