package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/meshrelay/internal/agent"
	"github.com/petervdpas/meshrelay/internal/config"
	"github.com/petervdpas/meshrelay/internal/logbuf"
	"github.com/petervdpas/meshrelay/internal/meshclient"
	"github.com/petervdpas/meshrelay/internal/presence"
	"github.com/petervdpas/meshrelay/internal/proto"
	"github.com/petervdpas/meshrelay/internal/relay"
	"github.com/petervdpas/meshrelay/internal/util"

	logging "github.com/ipfs/go-log/v2"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// RunRelay hosts the relay until ctx is cancelled.
func RunRelay(ctx context.Context, opt Options) error {
	logs, stop, err := setupLogging(opt.Cfg.Log)
	if err != nil {
		return err
	}
	defer stop()

	logBanner("relay", opt.PeerDir, opt.CfgPath)

	srv, err := relay.New(presence.NewRegistry(), relayOptions(opt.PeerDir, opt.Cfg, logs))
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		_ = srv.Close()
		return err
	}

	log.Println("────────────────────────────────────────────────────────")
	log.Printf("RELAY: devices connect to %s", srv.WebSocketURL())
	if opt.Cfg.Relay.AdminPassword != "" {
		log.Printf("RELAY: admin views at %s/devices.json", srv.URL())
	}
	log.Println("────────────────────────────────────────────────────────")

	<-ctx.Done()
	// give the shutdown goroutine a moment to close the journal
	time.Sleep(100 * time.Millisecond)
	return nil
}

// RunAgent joins the configured mesh as a desktop agent. A device id
// generated on first run is written back so the device keeps its identity.
func RunAgent(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := cfg.ValidateAgent(); err != nil {
		return err
	}

	_, stop, err := setupLogging(cfg.Log)
	if err != nil {
		return err
	}
	defer stop()

	logBanner("agent", opt.PeerDir, opt.CfgPath)

	if cfg.Agent.DeviceID == "" {
		cfg.Agent.DeviceID = meshclient.NewDeviceID(cfg.Agent.DeviceType)
		if opt.CfgPath != "" {
			if err := config.Save(opt.CfgPath, cfg); err != nil {
				log.Printf("AGENT: could not persist device id: %v", err)
			}
		}
	}

	a := agent.New(agentOptions(opt.PeerDir, cfg))
	return a.Run(ctx)
}

func relayOptions(peerDir string, cfg config.Config, logs *logbuf.Buffer) relay.Options {
	r := cfg.Relay
	bind := r.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}

	journal := ""
	if r.JournalPath != "" {
		journal = util.ResolvePath(peerDir, r.JournalPath)
	}

	return relay.Options{
		Addr:             fmt.Sprintf("%s:%d", bind, r.Port),
		ExternalURL:      r.ExternalURL,
		AdminPassword:    r.AdminPassword,
		HandshakeSecret:  r.HandshakeSecret,
		JournalPath:      journal,
		JournalRetention: time.Duration(r.JournalRetentionHours) * time.Hour,
		HandshakeTimeout: time.Duration(r.HandshakeTimeoutSec) * time.Second,
		IdleTimeout:      time.Duration(r.IdleTimeoutSec) * time.Second,
		MaxConnsPerIP:    r.MaxConnsPerIP,
		EventsPerSecond:  r.EventsPerSecond,
		EventBurst:       r.EventBurst,
		MaxMessageBytes:  int64(r.MaxMessageKB) * 1024,
		SendQueue:        r.SendQueue,
		Logs:             logs,
	}
}

func agentOptions(peerDir string, cfg config.Config) agent.Options {
	a := cfg.Agent

	opts := agent.Options{
		Client: meshclient.Options{
			URL:             a.RelayURL,
			UserID:          a.UserID,
			DeviceID:        a.DeviceID,
			DeviceType:      proto.DeviceType(a.DeviceType),
			HandshakeSecret: a.HandshakeSecret,
			ConnectAttempts: a.ConnectAttempts,
			ConnectTimeout:  time.Duration(a.ConnectTimeoutSec) * time.Second,
		},
		WatchClipboard: a.ClipboardWatch,
		PollInterval:   time.Duration(a.ClipboardPollMs) * time.Millisecond,
		OpenURLs:       a.OpenURLs,
		DropTarget:     a.DropTarget,
		MaxFileBytes:   int64(a.MaxFileMB) << 20,
		Demo:           a.DemoMode,
	}

	sys := agent.SystemClipboard{}
	if sys.Available() {
		opts.Clipboard = sys
	} else {
		log.Println("AGENT: no system clipboard, clipboard sync disabled")
		opts.WatchClipboard = false
	}

	if a.DropDir != "" {
		opts.DropDir = util.ResolvePath(peerDir, a.DropDir)
	}
	if a.InboxDir != "" {
		opts.InboxDir = util.ResolvePath(peerDir, a.InboxDir)
	}
	return opts
}

// setupLogging routes the std logger and every go-log subsystem into one
// ring buffer, which the relay serves on its admin log endpoints.
func setupLogging(c config.Log) (*logbuf.Buffer, func(), error) {
	lvl, err := logging.LevelFromString(strings.ToLower(c.Level))
	if err != nil {
		return nil, nil, fmt.Errorf("log.level: %w", err)
	}

	format := logging.PlaintextOutput
	switch c.Format {
	case "color":
		format = logging.ColorizedOutput
	case "json":
		format = logging.JSONOutput
	}
	logging.SetupLogging(logging.Config{
		Format: format,
		Level:  lvl,
		Stderr: true,
	})
	logging.SetAllLoggers(lvl)

	buf := logbuf.New(c.BufferLines)
	log.SetOutput(io.MultiWriter(os.Stderr, buf))
	stopGoLog := buf.CaptureGoLog()

	return buf, func() {
		stopGoLog()
		log.SetOutput(os.Stderr)
	}, nil
}
