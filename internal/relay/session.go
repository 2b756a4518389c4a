package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/petervdpas/meshrelay/internal/proto"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var (
	errNotHello   = errors.New("first frame must be hello")
	errNoUserID   = errors.New("userId is required")
	errBadSig     = errors.New("handshake signature mismatch")
	errUnreadable = errors.New("unreadable handshake frame")
)

// session is one device connection. It implements presence.Handle.
type session struct {
	srv     *Server
	conn    *websocket.Conn
	ip      string
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter

	closeOnce sync.Once
	closed    atomic.Bool

	// set once the handshake succeeds
	userID     string
	deviceID   string
	deviceType proto.DeviceType
}

func newSession(srv *Server, conn *websocket.Conn, ip string) *session {
	limit := rate.Inf
	if srv.opts.EventsPerSecond > 0 {
		limit = rate.Limit(srv.opts.EventsPerSecond)
	}
	return &session{
		srv:     srv,
		conn:    conn,
		ip:      ip,
		send:    make(chan []byte, srv.opts.SendQueue),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(limit, srv.opts.EventBurst),
	}
}

// Deliver enqueues msg without blocking. It reports false when the session
// is closed or its queue is full.
func (s *session) Deliver(msg []byte) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case <-s.done:
		return false
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// Close stops the writer, which sends a close frame and drops the socket.
// The reader then fails and runs the leave path.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
	return nil
}

func (s *session) String() string {
	return fmt.Sprintf("%s/%s", s.userID, s.deviceID)
}

// readHandshake reads the first frame, which must be a hello within the
// handshake timeout.
func (s *session) readHandshake() (proto.Handshake, error) {
	var hs proto.Handshake

	_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.opts.HandshakeTimeout))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return hs, fmt.Errorf("%w: %v", errUnreadable, err)
	}

	var f proto.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return hs, fmt.Errorf("%w: %v", errUnreadable, err)
	}
	if f.Event != proto.EventHello {
		return hs, errNotHello
	}
	if err := json.Unmarshal(f.Data, &hs); err != nil {
		return hs, fmt.Errorf("%w: %v", errUnreadable, err)
	}
	if hs.UserID == "" {
		return hs, errNoUserID
	}
	if secret := s.srv.opts.HandshakeSecret; secret != "" {
		// The signature covers the identity exactly as the device sent it.
		if !proto.VerifyHandshake([]byte(secret), hs) {
			return hs, errBadSig
		}
	}

	if !hs.DeviceType.Valid() {
		hs.DeviceType = proto.DeviceWeb
	}
	if hs.DeviceID == "" {
		hs.DeviceID = proto.NewDeviceID(string(hs.DeviceType))
	}
	return hs, nil
}

// reject writes a policy-violation close frame and drops the socket.
func (s *session) reject(reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = s.conn.Close()
}

// readLoop dispatches frames in arrival order until the socket fails.
func (s *session) readLoop() {
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.srv.reg.Touch(s.userID, s.deviceID)
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debugw("read error", "session", s.String(), "err", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.srv.reg.Touch(s.userID, s.deviceID)

		var f proto.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.srv.diag.Drop(ReasonMalformed, "", s.userID, s.deviceID, err.Error())
			continue
		}
		if !s.limiter.Allow() {
			s.srv.diag.Drop(ReasonRateLimited, f.Event, s.userID, s.deviceID, "")
			continue
		}
		s.srv.dispatch(s, f)
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings. It owns all data writes on the socket.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
