// Package meshclient is the device side of the relay: it joins a user's
// mesh, mirrors its membership and sends and receives relay events.
package meshclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/meshrelay/internal/proto"
)

var logger = logging.Logger("meshclient")

var (
	ErrRelayUnavailable = errors.New("relay unavailable")
	ErrRejected         = errors.New("relay rejected handshake")
	ErrDemoMode         = errors.New("demo mode is active")
	ErrNoRelayURL       = errors.New("no relay url configured")
)

const writeWait = 10 * time.Second

type Options struct {
	URL        string // ws(s)://host/ws, or an http(s) base URL
	UserID     string
	DeviceID   string // generated from DeviceType when empty
	DeviceType proto.DeviceType

	// HandshakeSecret signs the hello frame when the relay requires it.
	HandshakeSecret string

	ConnectAttempts int
	ConnectTimeout  time.Duration
	SendQueue       int

	Clipboard Clipboard // nil disables clipboard writes
	Dialer    *websocket.Dialer
}

// Device is a mesh member as seen by this client.
type Device struct {
	proto.DeviceInfo
	Current bool `json:"isCurrent"`
}

// link is one live transport. It is replaced, never reused.
type link struct {
	conn *websocket.Conn
	send chan []byte
	stop chan struct{}
	once sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.stop)
		_ = l.conn.Close()
	})
}

type Client struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	link      *link
	connected bool
	demo      bool
	devices   []Device

	smu  sync.Mutex
	subs map[chan Event]struct{}
}

func New(opts Options) *Client {
	if !opts.DeviceType.Valid() {
		opts.DeviceType = proto.DeviceWeb
	}
	if opts.DeviceID == "" {
		opts.DeviceID = NewDeviceID(string(opts.DeviceType))
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 3
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 2 * time.Second
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 64
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		devices: []Device{},
		subs:    make(map[chan Event]struct{}),
	}
}

// NewDeviceID returns role-<8 hex>, suitable for persisting.
func NewDeviceID(role string) string { return proto.NewDeviceID(role) }

func (c *Client) DeviceID() string { return c.opts.DeviceID }

// Connect joins the mesh. An attempt succeeds once the first membership
// update arrives within ConnectTimeout; after ConnectAttempts failures it
// returns ErrRelayUnavailable. A later drop is not retried.
func (c *Client) Connect(ctx context.Context) error {
	if c.opts.URL == "" {
		return ErrNoRelayURL
	}
	target, err := wsURL(c.opts.URL)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.ConnectAttempts; attempt++ {
		c.mu.Lock()
		demo := c.demo
		c.mu.Unlock()
		if demo {
			return ErrDemoMode
		}

		lastErr = c.connectOnce(ctx, target)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(lastErr, ErrRejected) {
			return lastErr
		}
		logger.Warnw("connect attempt failed", "attempt", attempt, "of", c.opts.ConnectAttempts, "err", lastErr)
	}
	return fmt.Errorf("%w: %v", ErrRelayUnavailable, lastErr)
}

func (c *Client) connectOnce(ctx context.Context, target string) error {
	dctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, _, err := c.opts.Dialer.DialContext(dctx, target, nil)
	if err != nil {
		return err
	}

	hs := proto.Handshake{
		UserID:     c.opts.UserID,
		DeviceID:   c.opts.DeviceID,
		DeviceType: c.opts.DeviceType,
	}
	if c.opts.HandshakeSecret != "" {
		hs.Sig = proto.SignHandshake([]byte(c.opts.HandshakeSecret), hs)
	}
	hello, err := proto.Encode(proto.EventHello, hs)
	if err != nil {
		conn.Close()
		return err
	}
	deadline, _ := dctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		conn.Close()
		return err
	}

	// Joined once the first membership update arrives.
	_ = conn.SetReadDeadline(deadline)
	var members []proto.DeviceInfo
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.ClosePolicyViolation {
				return fmt.Errorf("%w: %s", ErrRejected, ce.Text)
			}
			return err
		}
		var f proto.Frame
		if json.Unmarshal(data, &f) != nil || f.Event != proto.EventDeviceListUpdate {
			continue
		}
		if err := json.Unmarshal(f.Data, &members); err != nil {
			conn.Close()
			return err
		}
		break
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	l := &link{
		conn: conn,
		send: make(chan []byte, c.opts.SendQueue),
		stop: make(chan struct{}),
	}

	c.mu.Lock()
	if c.demo {
		c.mu.Unlock()
		l.close()
		return ErrDemoMode
	}
	if c.link != nil {
		c.link.close()
	}
	c.link = l
	c.connected = true
	c.devices = c.markCurrent(members)
	devices := c.copyDevices()
	c.mu.Unlock()

	go c.writeLoop(l)
	go c.readLoop(l)

	logger.Infow("joined mesh", "user", c.opts.UserID, "device", c.opts.DeviceID, "members", len(devices))
	c.emit(Event{Type: EventConnection, Connected: true})
	c.emit(Event{Type: EventDevices, Devices: devices})
	return nil
}

func (c *Client) readLoop(l *link) {
	defer c.dropLink(l)
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.stop:
			default:
				logger.Infow("relay connection lost", "err", err)
			}
			return
		}
		var f proto.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.Debugw("unreadable frame", "err", err)
			continue
		}
		c.handle(l, f)
	}
}

func (c *Client) writeLoop(l *link) {
	for {
		select {
		case <-l.stop:
			return
		case msg := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				l.close()
				return
			}
		}
	}
}

// dropLink tears l down. When l is still current the mirrored membership is
// cleared and a disconnected event is emitted.
func (c *Client) dropLink(l *link) {
	l.close()

	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	c.connected = false
	c.devices = []Device{}
	c.mu.Unlock()

	c.emit(Event{Type: EventConnection, Connected: false})
	c.emit(Event{Type: EventDevices, Devices: []Device{}})
}

// handle applies a frame read from l. Frames from a link that is no longer
// current, or that arrive after demo mode took over, are discarded.
func (c *Client) handle(l *link, f proto.Frame) {
	if !c.current(l) {
		logger.Debugw("frame from stale link", "event", f.Event)
		return
	}
	switch f.Event {
	case proto.EventDeviceListUpdate:
		var members []proto.DeviceInfo
		if !decode(f, &members) {
			return
		}
		c.mu.Lock()
		if c.link != l || c.demo {
			c.mu.Unlock()
			return
		}
		c.devices = c.markCurrent(members)
		devices := c.copyDevices()
		c.mu.Unlock()
		c.emit(Event{Type: EventDevices, Devices: devices})

	case proto.EventClipboardSync:
		var cs proto.ClipboardSync
		if !decode(f, &cs) {
			return
		}
		if c.opts.Clipboard != nil {
			if err := c.opts.Clipboard.WriteText(cs.Content); err != nil {
				logger.Warnw("clipboard write failed", "source", cs.SourceDevice, "err", err)
			}
		}
		c.emit(Event{Type: EventClipboard, Clipboard: &cs})

	case proto.EventExecuteCommand:
		var cmd proto.ExecuteCommand
		if decode(f, &cmd) {
			c.emit(Event{Type: EventCommand, Command: &cmd})
		}

	case proto.EventFileTransfer:
		var ft proto.FileTransfer
		if decode(f, &ft) {
			c.emit(Event{Type: EventFile, File: &ft})
		}

	case proto.EventNotificationSync:
		var n proto.Notification
		if decode(f, &n) {
			c.emit(Event{Type: EventNotification, Notification: &n})
		}

	case proto.EventNotificationReply:
		var r proto.NotificationReply
		if decode(f, &r) {
			c.emit(Event{Type: EventNotificationReply, Reply: &r})
		}

	case proto.EventNotificationReplyAck:
		var a proto.NotificationReplyAck
		if decode(f, &a) {
			c.emit(Event{Type: EventReplyAck, Ack: &a})
		}

	case proto.EventMediaControl:
		var m proto.MediaControl
		if decode(f, &m) {
			c.emit(Event{Type: EventMediaControl, MediaControl: &m})
		}

	case proto.EventMediaCommand:
		var m proto.MediaCommand
		if decode(f, &m) {
			c.emit(Event{Type: EventMediaCommand, MediaCommand: &m})
		}

	default:
		logger.Debugw("ignoring event", "event", f.Event)
	}
}

func (c *Client) current(l *link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return l != nil && c.link == l && !c.demo
}

func decode(f proto.Frame, v any) bool {
	if err := json.Unmarshal(f.Data, v); err != nil {
		logger.Debugw("bad payload", "event", f.Event, "err", err)
		return false
	}
	return true
}

// IsConnected reports whether a transport is joined, or demo mode is on.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Devices returns the mirrored membership with the current device first.
func (c *Client) Devices() []Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyDevices()
}

func (c *Client) copyDevices() []Device {
	out := make([]Device, 0, len(c.devices))
	for _, d := range c.devices {
		if d.Current {
			out = append(out, d)
		}
	}
	for _, d := range c.devices {
		if !d.Current {
			out = append(out, d)
		}
	}
	return out
}

func (c *Client) markCurrent(members []proto.DeviceInfo) []Device {
	out := make([]Device, len(members))
	for i, m := range members {
		out[i] = Device{DeviceInfo: m, Current: m.DeviceID == c.opts.DeviceID}
	}
	return out
}

// Send queues event with payload on the live transport. It returns false
// without transmitting when disconnected and true whenever a transport is
// joined; a message that does not fit the send queue is logged and dropped.
// In demo mode it returns true and nothing is sent.
func (c *Client) Send(event string, payload any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.demo {
		logger.Debugw("demo send", "event", event)
		return true
	}
	if c.link == nil {
		return false
	}
	msg, err := proto.Encode(event, payload)
	if err != nil {
		logger.Warnw("encode failed", "event", event, "err", err)
		return false
	}
	select {
	case c.link.send <- msg:
		return true
	default:
		logger.Warnw("send queue full, message dropped", "event", event)
		return true
	}
}

func (c *Client) SendHandoff(target, action string, payload any) bool {
	return c.Send(proto.EventCommandHandoff, proto.CommandHandoff{
		TargetDeviceID: target,
		Action:         action,
		Payload:        payload,
	})
}

// OpenOn asks target to open url in its browser.
func (c *Client) OpenOn(target, url string) bool {
	return c.SendHandoff(target, proto.ActionOpenBrowser, map[string]string{"url": url})
}

func (c *Client) PushClipboard(content string) bool {
	return c.Send(proto.EventClipboardPush, proto.ClipboardPush{Content: content})
}

func (c *Client) SendFile(target, name string, data []byte) bool {
	return c.Send(proto.EventFileTransfer, proto.FileTransferRequest{
		TargetDeviceID: target,
		FileName:       name,
		Base64Data:     base64.StdEncoding.EncodeToString(data),
	})
}

func (c *Client) SendMediaCommand(deviceID, command string) bool {
	return c.Send(proto.EventMediaCommand, proto.MediaCommandRequest{DeviceID: deviceID, Command: command})
}

// SendQuickReply answers a notification on every other device.
func (c *Client) SendQuickReply(notificationID, reply string) bool {
	return c.Send(proto.EventNotificationReply, proto.NotificationReplyRequest{
		NotificationID: notificationID,
		Reply:          reply,
	})
}

func (c *Client) PushNotification(n proto.NotificationPush) bool {
	return c.Send(proto.EventNotificationPush, n)
}

func (c *Client) PublishMediaState(s proto.MediaStateReport) bool {
	return c.Send(proto.EventMediaState, s)
}

// Disconnect drops the live transport, if any. Membership is cleared.
func (c *Client) Disconnect() {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l != nil {
		c.dropLink(l)
	}
}

// Close disconnects and stops any background connect.
func (c *Client) Close() error {
	c.cancel()
	c.Disconnect()
	return nil
}

// wsURL accepts a ws(s) URL or an http(s) base and returns the socket URL.
func wsURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = proto.WSPath
	}
	return u.String(), nil
}
