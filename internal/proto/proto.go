package proto

import (
	"encoding/json"
	"time"
)

// WebSocket path served by the relay.
const WSPath = "/ws"

// Handshake event. Must be the first frame a device sends.
const EventHello = "hello"

// Server → client events.
const (
	EventDeviceListUpdate     = "device_list_update"
	EventClipboardSync        = "clipboard_sync"
	EventExecuteCommand       = "execute_command"
	EventFileTransfer         = "file_transfer"
	EventNotificationSync     = "notification_sync"
	EventMediaControl         = "media_control"
	EventNotificationReplyAck = "notification_reply_ack"
)

// Client → server events. file_transfer, media_command and
// notification_reply keep their name when forwarded.
const (
	EventClipboardPush     = "clipboard_push"
	EventCommandHandoff    = "command_handoff"
	EventMediaCommand      = "media_command"
	EventNotificationReply = "notification_reply"
	EventNotificationPush  = "notification_push"
	EventMediaState        = "media_state"
)

// ActionOpenBrowser is the handoff action understood by desktop agents.
const ActionOpenBrowser = "open_browser"

type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceWeb     DeviceType = "web"
)

// Valid reports whether t is one of the known device classes.
func (t DeviceType) Valid() bool {
	switch t {
	case DeviceDesktop, DeviceMobile, DeviceWeb:
		return true
	}
	return false
}

// Frame is the wire envelope: one JSON object per WebSocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode builds a frame for event with data marshalled as JSON.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// Handshake is the identity a device presents when it connects.
type Handshake struct {
	UserID     string     `json:"userId"`
	DeviceID   string     `json:"deviceId"`
	DeviceType DeviceType `json:"deviceType"`
	Sig        string     `json:"sig,omitempty"`
}

// DeviceInfo is the public view of a mesh member. Connection handles are
// never part of it.
type DeviceInfo struct {
	DeviceID   string     `json:"deviceId"`
	DeviceType DeviceType `json:"deviceType"`
	JoinedAt   int64      `json:"joinedAt"`
}

// ─── client → server payloads ────────────────────────────────────────────────

type ClipboardPush struct {
	Content string `json:"content"`
}

type CommandHandoff struct {
	TargetDeviceID string `json:"targetDeviceId"`
	Action         string `json:"action"`
	Payload        any    `json:"payload,omitempty"`
}

type FileTransferRequest struct {
	TargetDeviceID string `json:"targetDeviceId"`
	FileName       string `json:"fileName"`
	Base64Data     string `json:"base64Data"`
}

type MediaCommandRequest struct {
	DeviceID string `json:"deviceId"`
	Command  string `json:"command"` // play|pause|next|prev
}

type NotificationReplyRequest struct {
	NotificationID string `json:"notificationId"`
	Reply          string `json:"reply"`
	TargetDeviceID string `json:"targetDeviceId,omitempty"`
}

type NotificationPush struct {
	ID             string `json:"id,omitempty"`
	Type           string `json:"type"` // sms|app
	Sender         string `json:"sender"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	Icon           string `json:"icon,omitempty"`
	TargetDeviceID string `json:"targetDeviceId,omitempty"`
}

type MediaStateReport struct {
	IsPlaying bool   `json:"isPlaying"`
	Track     string `json:"track,omitempty"`
	Artist    string `json:"artist,omitempty"`
}

// ─── server → client payloads ────────────────────────────────────────────────

type ClipboardSync struct {
	SourceDevice string `json:"sourceDevice"`
	Content      string `json:"content"`
}

// ExecuteCommand carries the inbound command_handoff data verbatim.
type ExecuteCommand = CommandHandoff

type FileTransfer struct {
	ID         string `json:"id"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
	Base64Data string `json:"base64Data"`
	FromDevice string `json:"fromDevice"`
	ToDevice   string `json:"toDevice"`
	Timestamp  int64  `json:"timestamp"`
}

type Notification struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Sender     string `json:"sender"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	Icon       string `json:"icon,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	FromDevice string `json:"fromDevice"`
}

type MediaControl struct {
	Device    string `json:"device"`
	IsPlaying bool   `json:"isPlaying"`
	Track     string `json:"track,omitempty"`
	Artist    string `json:"artist,omitempty"`
}

type MediaCommand struct {
	DeviceID   string `json:"deviceId"`
	Command    string `json:"command"`
	FromDevice string `json:"fromDevice"`
}

type NotificationReply struct {
	NotificationID string `json:"notificationId"`
	Reply          string `json:"reply"`
	FromDevice     string `json:"fromDevice"`
}

type NotificationReplyAck struct {
	NotificationID string `json:"notificationId"`
	Delivered      int    `json:"delivered"`
}

// ValidMediaCommand reports whether cmd is a transport command devices accept.
func ValidMediaCommand(cmd string) bool {
	switch cmd {
	case "play", "pause", "next", "prev":
		return true
	}
	return false
}

func NowMillis() int64 { return time.Now().UnixMilli() }
