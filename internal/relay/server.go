package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/meshrelay/internal/logbuf"
	"github.com/petervdpas/meshrelay/internal/presence"
	"github.com/petervdpas/meshrelay/internal/proto"
	"github.com/petervdpas/meshrelay/internal/util"
)

var logger = logging.Logger("relay")

type Options struct {
	Addr          string
	ExternalURL   string // public URL when running behind a reverse proxy
	AdminPassword string // empty disables the admin endpoints

	// HandshakeSecret, when set, requires a valid hello signature.
	HandshakeSecret string

	JournalPath      string // empty disables the presence journal
	JournalRetention time.Duration

	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration // 0 disables the idle sweeper
	MaxConnsPerIP    int           // 0 means unlimited
	EventsPerSecond  float64       // 0 means unlimited
	EventBurst       int
	MaxMessageBytes  int64
	SendQueue        int

	Logs     *logbuf.Buffer // served on /logs.json and /logs/stream when set
	DropHook DropHook
}

func (o *Options) setDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.EventBurst <= 0 {
		o.EventBurst = 20
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 8 << 20
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
}

// Server is the signaling relay. It owns the WebSocket endpoint and routes
// events between the devices of one user through the presence registry.
type Server struct {
	opts     Options
	reg      *presence.Registry
	diag     *Diagnostics
	journal  *journal // nil when the journal is disabled
	upgrader websocket.Upgrader
	router   *mux.Router

	srv  *http.Server
	addr string

	mu      sync.Mutex
	perIP   map[string]int
	started bool

	// membership broadcasts for one user go out under the same stripe so
	// every device sees the lists in mutation order.
	bcast [64]sync.Mutex
}

func New(reg *presence.Registry, opts Options) (*Server, error) {
	opts.setDefaults()
	s := &Server{
		opts:  opts,
		reg:   reg,
		diag:  NewDiagnostics(256, opts.DropHook),
		perIP: make(map[string]int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Devices connect from browsers, webviews and native agents.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if opts.JournalPath != "" {
		j, err := openJournal(opts.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		s.journal = j
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, req)
			logger.Debugw("handled", "method", req.Method, "url", req.URL.Path, "status", m.Code, "duration", m.Duration, "ip", extractIP(req.RemoteAddr))
		})
	})

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Methods(http.MethodGet).Path(proto.WSPath).HandlerFunc(s.handleWS)

	r.Methods(http.MethodGet).Path("/devices.json").HandlerFunc(s.admin(s.handleDevices))
	r.Methods(http.MethodGet).Path("/diagnostics.json").HandlerFunc(s.admin(s.handleDiagnostics))
	r.Methods(http.MethodGet).Path("/journal.json").HandlerFunc(s.admin(s.handleJournal))
	if s.opts.Logs != nil {
		r.Methods(http.MethodGet).Path("/logs.json").HandlerFunc(s.admin(s.opts.Logs.ServeJSON))
		r.Methods(http.MethodGet).Path("/logs/stream").HandlerFunc(s.admin(s.opts.Logs.ServeSSE))
	}
	return r
}

// Handler returns the relay's HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Diagnostics() *Diagnostics { return s.diag }

func (s *Server) Registry() *presence.Registry { return s.reg }

// Start listens on opts.Addr and serves until ctx is cancelled. Background
// loops (idle sweeper, journal) run for the same lifetime.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.started = true
	s.mu.Unlock()

	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.Run(ctx)

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
		if s.journal != nil {
			_ = s.journal.close()
		}
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("RELAY: server error: %v", err)
		}
	}()

	log.Printf("RELAY: listening on %s", s.addr)
	return nil
}

// Run starts the background loops without a listener. Start calls it; tests
// serving Handler() through httptest call it directly.
func (s *Server) Run(ctx context.Context) {
	if s.opts.IdleTimeout > 0 {
		go s.sweepIdle(ctx)
	}
	if s.journal != nil {
		ch := s.reg.Subscribe()
		go s.journal.follow(ctx, s.reg, ch, s.opts.JournalRetention)
	}
}

// Close releases the journal. Only needed when Start was never called.
func (s *Server) Close() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if s.journal != nil && !started {
		return s.journal.close()
	}
	return nil
}

func (s *Server) URL() string {
	if s.opts.ExternalURL != "" {
		return s.opts.ExternalURL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr != "" {
		return "http://" + s.addr
	}
	return "http://" + s.opts.Addr
}

// WebSocketURL returns the URL devices dial.
func (s *Server) WebSocketURL() string {
	u := s.URL()
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimRight(u, "/") + proto.WSPath
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := extractIP(r.RemoteAddr)
	if err := s.addConn(ip); err != nil {
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.removeConn(ip)
		logger.Debugw("upgrade failed", "ip", ip, "err", err)
		return
	}
	conn.SetReadLimit(s.opts.MaxMessageBytes)

	sess := newSession(s, conn, ip)
	go s.serve(sess)
}

// serve runs one connection through Connecting → Joined → Left, or
// Connecting → Rejected.
func (s *Server) serve(sess *session) {
	defer s.removeConn(sess.ip)

	hs, err := sess.readHandshake()
	if err != nil {
		log.Printf("RELAY: rejected connection from %s: %v", sess.ip, err)
		sess.reject(err.Error())
		return
	}
	sess.userID = hs.UserID
	sess.deviceID = hs.DeviceID
	sess.deviceType = hs.DeviceType

	snap, evicted := s.reg.Register(hs.UserID, hs.DeviceID, hs.DeviceType, sess)
	go sess.writePump()
	if evicted != nil {
		log.Printf("RELAY: %s reconnected, closing previous connection", sess)
		_ = evicted.Close()
	}
	log.Printf("RELAY: %s joined as %s (%d in mesh)", sess, hs.DeviceType, len(snap))
	s.broadcastMembers(hs.UserID)

	sess.readLoop()

	_ = sess.Close()
	snap, removed := s.reg.Leave(sess.userID, sess.deviceID, sess)
	if !removed {
		return
	}
	log.Printf("RELAY: %s left (%d in mesh)", sess, len(snap))
	s.broadcastMembers(sess.userID)
}

// broadcastMembers sends the current membership to every live member,
// including a newcomer. The list is read under the user's broadcast lock,
// so the last list any device receives reflects every join and leave that
// preceded it.
func (s *Server) broadcastMembers(userID string) {
	mu := s.broadcastLock(userID)
	mu.Lock()
	defer mu.Unlock()

	members, handles := s.reg.View(userID)
	msg, err := proto.Encode(proto.EventDeviceListUpdate, members)
	if err != nil {
		log.Printf("RELAY: encode membership: %v", err)
		return
	}
	for _, h := range handles {
		if !h.Deliver(msg) {
			s.diag.Drop(deliveryFailure(h), proto.EventDeviceListUpdate, userID, deviceOf(h), "")
		}
	}
}

func (s *Server) broadcastLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &s.bcast[h.Sum32()%uint32(len(s.bcast))]
}

func (s *Server) sweepIdle(ctx context.Context) {
	interval := s.opts.IdleTimeout / 2
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := s.reg.Idle(time.Now().Add(-s.opts.IdleTimeout))
			for _, h := range idle {
				_ = h.Close()
			}
			if len(idle) > 0 {
				log.Printf("RELAY: closed %d idle connection(s)", len(idle))
			}
		}
	}
}

func (s *Server) addConn(ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit := s.opts.MaxConnsPerIP; limit > 0 && s.perIP[ip] >= limit {
		return fmt.Errorf("too many connections from %s (%d)", ip, limit)
	}
	s.perIP[ip]++
	return nil
}

func (s *Server) removeConn(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perIP[ip] <= 1 {
		delete(s.perIP, ip)
		return
	}
	s.perIP[ip]--
}

// extractIP returns the IP portion of a host:port address.
func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// ─── admin ───────────────────────────────────────────────────────────────────

func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminPassword == "" {
			http.Error(w, "admin endpoints disabled", http.StatusForbidden)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != s.opts.AdminPassword {
			w.Header().Set("WWW-Authenticate", `Basic realm="meshrelay admin"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"stats":  s.reg.Stats(),
		"meshes": s.reg.All(),
	})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.diag.Snapshot())
}

// GET /journal.json[?user=u1&limit=100]
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.journal.recent(r.URL.Query().Get("user"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
