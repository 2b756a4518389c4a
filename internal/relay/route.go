package relay

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/petervdpas/meshrelay/internal/presence"
	"github.com/petervdpas/meshrelay/internal/proto"
)

// dispatch routes one inbound frame from a joined session. Nothing is ever
// reported back to the sender as an error; drops go to diagnostics.
func (srv *Server) dispatch(s *session, f proto.Frame) {
	switch f.Event {
	case proto.EventClipboardPush:
		var in proto.ClipboardPush
		if !srv.decode(s, f, &in) {
			return
		}
		srv.relay(s, f.Event, proto.AllDevices{}, proto.EventClipboardSync, proto.ClipboardSync{
			SourceDevice: s.deviceID,
			Content:      in.Content,
		})

	case proto.EventCommandHandoff:
		var in proto.CommandHandoff
		if !srv.decode(s, f, &in) {
			return
		}
		if in.TargetDeviceID == "" || in.Action == "" {
			srv.diag.Drop(ReasonMalformed, f.Event, s.userID, s.deviceID, "targetDeviceId and action are required")
			return
		}
		// execute_command carries the inbound data untouched.
		msg, err := json.Marshal(proto.Frame{Event: proto.EventExecuteCommand, Data: f.Data})
		if err != nil {
			srv.diag.Drop(ReasonMalformed, f.Event, s.userID, s.deviceID, err.Error())
			return
		}
		srv.fanout(s, f.Event, proto.ParseTarget(in.TargetDeviceID, true), msg)

	case proto.EventFileTransfer:
		var in proto.FileTransferRequest
		if !srv.decode(s, f, &in) {
			return
		}
		if in.TargetDeviceID == "" || in.FileName == "" {
			srv.diag.Drop(ReasonMalformed, f.Event, s.userID, s.deviceID, "targetDeviceId and fileName are required")
			return
		}
		size, ok := decodedSize(in.Base64Data)
		if !ok {
			srv.diag.Drop(ReasonMalformed, f.Event, s.userID, s.deviceID, "base64Data is not valid base64")
			return
		}
		target := proto.ParseTarget(in.TargetDeviceID, false)
		srv.relay(s, f.Event, target, proto.EventFileTransfer, proto.FileTransfer{
			ID:         uuid.NewString(),
			FileName:   in.FileName,
			FileSize:   size,
			Base64Data: in.Base64Data,
			FromDevice: s.deviceID,
			ToDevice:   target.String(),
			Timestamp:  proto.NowMillis(),
		})

	case proto.EventMediaCommand:
		var in proto.MediaCommandRequest
		if !srv.decode(s, f, &in) {
			return
		}
		if in.DeviceID == "" || !proto.ValidMediaCommand(in.Command) {
			srv.diag.Drop(ReasonMalformed, f.Event, s.userID, s.deviceID, "deviceId and a known command are required")
			return
		}
		srv.relay(s, f.Event, proto.ParseTarget(in.DeviceID, false), proto.EventMediaCommand, proto.MediaCommand{
			DeviceID:   in.DeviceID,
			Command:    in.Command,
			FromDevice: s.deviceID,
		})

	case proto.EventNotificationReply:
		var in proto.NotificationReplyRequest
		if !srv.decode(s, f, &in) {
			return
		}
		if in.NotificationID == "" {
			srv.diag.Drop(ReasonMalformed, f.Event, s.userID, s.deviceID, "notificationId is required")
			return
		}
		target := proto.ParseTarget(in.TargetDeviceID, false)
		if target == nil {
			target = proto.AllDevices{}
		}
		delivered := srv.relay(s, f.Event, target, proto.EventNotificationReply, proto.NotificationReply{
			NotificationID: in.NotificationID,
			Reply:          in.Reply,
			FromDevice:     s.deviceID,
		})
		if delivered > 0 {
			srv.reply(s, proto.EventNotificationReplyAck, proto.NotificationReplyAck{
				NotificationID: in.NotificationID,
				Delivered:      delivered,
			})
		}

	case proto.EventNotificationPush:
		var in proto.NotificationPush
		if !srv.decode(s, f, &in) {
			return
		}
		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		if in.Type == "" {
			in.Type = "app"
		}
		target := proto.ParseTarget(in.TargetDeviceID, false)
		if target == nil {
			target = proto.AllDevices{}
		}
		srv.relay(s, f.Event, target, proto.EventNotificationSync, proto.Notification{
			ID:         in.ID,
			Type:       in.Type,
			Sender:     in.Sender,
			Title:      in.Title,
			Body:       in.Body,
			Icon:       in.Icon,
			Timestamp:  proto.NowMillis(),
			FromDevice: s.deviceID,
		})

	case proto.EventMediaState:
		var in proto.MediaStateReport
		if !srv.decode(s, f, &in) {
			return
		}
		srv.relay(s, f.Event, proto.AllDevices{}, proto.EventMediaControl, proto.MediaControl{
			Device:    s.deviceID,
			IsPlaying: in.IsPlaying,
			Track:     in.Track,
			Artist:    in.Artist,
		})

	case proto.EventHello:
		srv.diag.Drop(ReasonMalformed, f.Event, s.userID, s.deviceID, "already joined")

	default:
		srv.diag.Drop(ReasonUnknownKind, f.Event, s.userID, s.deviceID, "")
	}
}

func (srv *Server) decode(s *session, f proto.Frame, v any) bool {
	if len(f.Data) == 0 {
		srv.diag.Drop(ReasonMalformed, f.Event, s.userID, s.deviceID, "missing data")
		return false
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		srv.diag.Drop(ReasonMalformed, f.Event, s.userID, s.deviceID, err.Error())
		return false
	}
	return true
}

// relay encodes out as event and fans it out to target. It returns the
// number of devices the message was queued for.
func (srv *Server) relay(s *session, inKind string, target proto.Target, event string, out any) int {
	msg, err := proto.Encode(event, out)
	if err != nil {
		srv.diag.Drop(ReasonMalformed, inKind, s.userID, s.deviceID, err.Error())
		return 0
	}
	return srv.fanout(s, inKind, target, msg)
}

func (srv *Server) fanout(s *session, inKind string, target proto.Target, msg []byte) int {
	handles := srv.resolveTargets(s.userID, s.deviceID, target)
	if len(handles) == 0 {
		detail := ""
		if target != nil {
			detail = "no live device for " + target.String()
		}
		srv.diag.Drop(ReasonUnroutable, inKind, s.userID, s.deviceID, detail)
		return 0
	}
	delivered := 0
	for _, h := range handles {
		if h.Deliver(msg) {
			delivered++
			continue
		}
		srv.diag.Drop(deliveryFailure(h), inKind, s.userID, s.deviceID, deviceOf(h))
	}
	return delivered
}

// reply queues a message for the sender itself.
func (srv *Server) reply(s *session, event string, out any) {
	msg, err := proto.Encode(event, out)
	if err != nil {
		return
	}
	if !s.Deliver(msg) {
		srv.diag.Drop(deliveryFailure(s), event, s.userID, s.deviceID, s.deviceID)
	}
}

// resolveTargets maps a target to live handles in the source's own mesh.
// Broadcast and type fan-out never include the source; an exact id does
// whatever device owns it.
func (srv *Server) resolveTargets(userID, sourceDeviceID string, target proto.Target) []presence.Handle {
	switch t := target.(type) {
	case proto.AllDevices:
		return srv.reg.ResolveAll(userID, sourceDeviceID)
	case proto.ExactDevice:
		if h, ok := srv.reg.Resolve(userID, t.ID); ok {
			return []presence.Handle{h}
		}
	case proto.ExactOrType:
		if h, ok := srv.reg.Resolve(userID, t.ID); ok {
			return []presence.Handle{h}
		}
		return srv.reg.ResolveByType(userID, t.Type, sourceDeviceID)
	case proto.DevicesOfType:
		return srv.reg.ResolveByType(userID, t.Type, sourceDeviceID)
	}
	return nil
}

// decodedSize returns the byte length of a base64 payload, accepting an
// optional data URL prefix.
func decodedSize(b64 string) (int64, bool) {
	if strings.HasPrefix(b64, "data:") {
		if i := strings.Index(b64, ","); i >= 0 {
			b64 = b64[i+1:]
		}
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return 0, false
	}
	return int64(len(raw)), true
}

// deliveryFailure tells a handle that is already closing apart from one
// whose queue is full.
func deliveryFailure(h presence.Handle) DropReason {
	if s, ok := h.(*session); ok && s.closed.Load() {
		return ReasonClosed
	}
	return ReasonBackpressure
}

func deviceOf(h presence.Handle) string {
	if s, ok := h.(*session); ok {
		return s.deviceID
	}
	return ""
}
