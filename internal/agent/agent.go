// Package agent is the desktop companion: it keeps a device joined to the
// mesh and bridges relay events to the local machine.
package agent

import (
	"context"
	"errors"
	"log"
	"net/url"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/meshrelay/internal/meshclient"
	"github.com/petervdpas/meshrelay/internal/proto"
	"github.com/petervdpas/meshrelay/internal/util"
)

var logger = logging.Logger("agent")

type Options struct {
	Client meshclient.Options

	Clipboard      Clipboard // nil disables clipboard sync
	WatchClipboard bool
	PollInterval   time.Duration

	OpenURLs bool
	Opener   func(url string) error // defaults to util.OpenURL

	DropDir      string // watched for outgoing files; empty disables
	DropTarget   string
	DropSettle   time.Duration
	InboxDir     string // incoming files land here; empty disables
	MaxFileBytes int64

	Demo bool
}

type Agent struct {
	opts   Options
	client *meshclient.Client
	lost   chan struct{}

	mu       sync.Mutex
	lastClip string

	// dropMu serialises sendDrop between the settle timers and flushDrops.
	dropMu sync.Mutex
}

func New(opts Options) *Agent {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Opener == nil {
		opts.Opener = util.OpenURL
	}
	if opts.DropTarget == "" {
		opts.DropTarget = proto.TargetAll
	}
	if opts.DropSettle <= 0 {
		opts.DropSettle = 300 * time.Millisecond
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = 5 << 20
	}
	a := &Agent{opts: opts, lost: make(chan struct{}, 1)}
	if opts.Clipboard != nil {
		opts.Client.Clipboard = meshclient.ClipboardFunc(a.writeClipboard)
	}
	a.client = meshclient.New(opts.Client)
	return a
}

func (a *Agent) Client() *meshclient.Client { return a.client }

// Run blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	events, cancel := a.client.Subscribe()
	defer cancel()
	defer a.client.Close()

	if a.opts.DropDir != "" {
		w, err := a.watchDrops(ctx)
		if err != nil {
			return err
		}
		defer w.Close()
	}

	if a.opts.Demo {
		a.client.SetDemoMode(true)
	} else {
		go a.connectLoop(ctx)
	}
	if a.opts.WatchClipboard && a.opts.Clipboard != nil {
		a.seedClipboard()
		go a.watchClipboard(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.handle(e)
		}
	}
}

// connectLoop keeps the device joined, backing off between failed rounds.
func (a *Agent) connectLoop(ctx context.Context) {
	var backoff time.Duration
	for {
		select {
		case <-a.lost:
		default:
		}

		err := a.client.Connect(ctx)
		switch {
		case err == nil:
			backoff = 0
			select {
			case <-ctx.Done():
				return
			case <-a.lost:
				log.Printf("AGENT: relay connection lost, reconnecting")
				continue
			}
		case ctx.Err() != nil:
			return
		case errors.Is(err, meshclient.ErrRejected), errors.Is(err, meshclient.ErrDemoMode):
			log.Printf("AGENT: not reconnecting: %v", err)
			return
		}

		backoff = util.NextBackoff(backoff)
		log.Printf("AGENT: %v, retrying in %v", err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (a *Agent) handle(e meshclient.Event) {
	switch e.Type {
	case meshclient.EventConnection:
		if e.Connected {
			log.Printf("AGENT: joined mesh as %s", a.client.DeviceID())
			if a.opts.DropDir != "" && !e.Demo {
				go a.flushDrops()
			}
			return
		}
		if !e.Demo {
			select {
			case a.lost <- struct{}{}:
			default:
			}
		}

	case meshclient.EventDevices:
		logger.Infow("membership", "devices", len(e.Devices))

	case meshclient.EventCommand:
		a.handleCommand(e.Command)

	case meshclient.EventFile:
		if a.opts.InboxDir == "" {
			log.Printf("AGENT: file %q from %s ignored (no inbox)", e.File.FileName, e.File.FromDevice)
			return
		}
		if p, err := a.saveIncoming(e.File); err != nil {
			log.Printf("AGENT: saving %q from %s: %v", e.File.FileName, e.File.FromDevice, err)
		} else {
			log.Printf("AGENT: received %s (%d bytes) from %s", p, e.File.FileSize, e.File.FromDevice)
		}

	case meshclient.EventClipboard:
		logger.Debugw("clipboard synced", "source", e.Clipboard.SourceDevice, "bytes", len(e.Clipboard.Content))

	case meshclient.EventNotification:
		n := e.Notification
		log.Printf("AGENT: [%s] %s from %s: %s %s", n.Type, n.Sender, n.FromDevice, n.Title, n.Body)

	case meshclient.EventNotificationReply:
		log.Printf("AGENT: reply to %s from %s: %s", e.Reply.NotificationID, e.Reply.FromDevice, e.Reply.Reply)

	case meshclient.EventMediaControl:
		m := e.MediaControl
		logger.Infow("media state", "device", m.Device, "playing", m.IsPlaying, "track", m.Track, "artist", m.Artist)

	case meshclient.EventMediaCommand:
		log.Printf("AGENT: media %s requested by %s", e.MediaCommand.Command, e.MediaCommand.FromDevice)
	}
}

func (a *Agent) handleCommand(cmd *proto.ExecuteCommand) {
	if cmd.Action != proto.ActionOpenBrowser {
		logger.Debugw("unhandled command", "action", cmd.Action)
		return
	}
	target, ok := browserURL(cmd.Payload)
	if !ok {
		log.Printf("AGENT: open_browser without a usable http(s) url")
		return
	}
	if !a.opts.OpenURLs {
		log.Printf("AGENT: open_browser %s ignored (open_urls disabled)", target)
		return
	}
	if err := a.opts.Opener(target); err != nil {
		log.Printf("AGENT: open %s: %v", target, err)
		return
	}
	log.Printf("AGENT: opened %s", target)
}

// browserURL extracts payload.url and accepts only absolute http(s) URLs.
func browserURL(payload any) (string, bool) {
	m, ok := payload.(map[string]any)
	if !ok {
		return "", false
	}
	raw, ok := m["url"].(string)
	if !ok || raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return u.String(), true
}
