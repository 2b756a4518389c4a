package meshclient

import "github.com/petervdpas/meshrelay/internal/proto"

type EventType string

const (
	EventConnection        EventType = "connection"
	EventDevices           EventType = "devices"
	EventClipboard         EventType = "clipboard"
	EventCommand           EventType = "command"
	EventFile              EventType = "file"
	EventNotification      EventType = "notification"
	EventNotificationReply EventType = "notification_reply"
	EventReplyAck          EventType = "reply_ack"
	EventMediaControl      EventType = "media_control"
	EventMediaCommand      EventType = "media_command"
)

// Event is delivered to subscribers. Only the field matching Type is set.
type Event struct {
	Type EventType

	Connected    bool
	Demo         bool
	Devices      []Device
	Clipboard    *proto.ClipboardSync
	Command      *proto.ExecuteCommand
	File         *proto.FileTransfer
	Notification *proto.Notification
	Reply        *proto.NotificationReply
	Ack          *proto.NotificationReplyAck
	MediaControl *proto.MediaControl
	MediaCommand *proto.MediaCommand
}

// Subscribe returns a channel of client events and a func that ends the
// subscription. Slow subscribers miss events rather than stall the client.
func (c *Client) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	c.smu.Lock()
	c.subs[ch] = struct{}{}
	c.smu.Unlock()

	cancel := func() {
		c.smu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.smu.Unlock()
	}
	return ch, cancel
}

func (c *Client) emit(e Event) {
	c.smu.Lock()
	defer c.smu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- e:
		default:
			logger.Debugw("subscriber full, event dropped", "type", e.Type)
		}
	}
}
