package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/meshrelay/internal/presence"
	"github.com/petervdpas/meshrelay/internal/proto"
)

type testRelay struct {
	srv   *Server
	http  *httptest.Server
	wsURL string
}

func startRelay(t *testing.T, opts Options) *testRelay {
	t.Helper()
	srv, err := New(presence.NewRegistry(), opts)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv.Run(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		ts.Close()
		_ = srv.Close()
	})
	return &testRelay{
		srv:   srv,
		http:  ts,
		wsURL: "ws" + strings.TrimPrefix(ts.URL, "http") + proto.WSPath,
	}
}

type device struct {
	t    *testing.T
	id   string
	conn *websocket.Conn
}

func (r *testRelay) dial(t *testing.T, hs proto.Handshake) *device {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(r.wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	d := &device{t: t, id: hs.DeviceID, conn: conn}
	d.send(proto.EventHello, hs)
	return d
}

// join dials and waits until the device sees a membership of n devices.
func (r *testRelay) join(t *testing.T, userID, deviceID string, dt proto.DeviceType, n int) *device {
	t.Helper()
	d := r.dial(t, proto.Handshake{UserID: userID, DeviceID: deviceID, DeviceType: dt})
	d.waitMembers(n)
	return d
}

func (d *device) send(event string, data any) {
	d.t.Helper()
	b, err := proto.Encode(event, data)
	if err != nil {
		d.t.Fatal(err)
	}
	if err := d.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		d.t.Fatalf("%s write: %v", d.id, err)
	}
}

func (d *device) next() proto.Frame {
	d.t.Helper()
	_ = d.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, b, err := d.conn.ReadMessage()
	if err != nil {
		d.t.Fatalf("%s read: %v", d.id, err)
	}
	var f proto.Frame
	if err := json.Unmarshal(b, &f); err != nil {
		d.t.Fatal(err)
	}
	return f
}

// expect returns the next non-membership frame and requires it to be event.
func (d *device) expect(event string, v any) {
	d.t.Helper()
	for {
		f := d.next()
		if f.Event == proto.EventDeviceListUpdate {
			continue
		}
		if f.Event != event {
			d.t.Fatalf("%s: got %s %s, want %s", d.id, f.Event, f.Data, event)
		}
		if v != nil {
			if err := json.Unmarshal(f.Data, v); err != nil {
				d.t.Fatal(err)
			}
		}
		return
	}
}

func (d *device) waitMembers(n int) []proto.DeviceInfo {
	d.t.Helper()
	for {
		f := d.next()
		if f.Event != proto.EventDeviceListUpdate {
			continue
		}
		var devs []proto.DeviceInfo
		if err := json.Unmarshal(f.Data, &devs); err != nil {
			d.t.Fatal(err)
		}
		if len(devs) == n {
			return devs
		}
	}
}

func (d *device) expectClosed(code int) {
	d.t.Helper()
	for {
		_ = d.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err := d.conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			d.t.Fatalf("%s: expected close frame, got %v", d.id, err)
		}
		if ce.Code != code {
			d.t.Fatalf("%s: close code = %d, want %d", d.id, ce.Code, code)
		}
		return
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClipboardSyncAndLeave(t *testing.T) {
	r := startRelay(t, Options{})
	d1 := r.join(t, "u1", "d1", proto.DeviceDesktop, 1)
	d2 := r.join(t, "u1", "d2", proto.DeviceMobile, 2)
	d1.waitMembers(2)

	d1.send(proto.EventClipboardPush, proto.ClipboardPush{Content: "hello"})

	var cs proto.ClipboardSync
	d2.expect(proto.EventClipboardSync, &cs)
	if cs.SourceDevice != "d1" || cs.Content != "hello" {
		t.Fatalf("clipboard_sync = %+v", cs)
	}

	// d1 must not get its own push back: the next thing it sees is d2's handoff.
	d2.send(proto.EventCommandHandoff, proto.CommandHandoff{TargetDeviceID: "d1", Action: "ping"})
	var cmd proto.ExecuteCommand
	d1.expect(proto.EventExecuteCommand, &cmd)
	if cmd.Action != "ping" {
		t.Fatalf("execute_command = %+v", cmd)
	}

	_ = d2.conn.Close()
	devs := d1.waitMembers(1)
	if devs[0].DeviceID != "d1" {
		t.Fatalf("remaining = %+v", devs)
	}
}

func TestMeshIsolation(t *testing.T) {
	r := startRelay(t, Options{})
	a1 := r.join(t, "alice", "d1", proto.DeviceDesktop, 1)
	a2 := r.join(t, "alice", "d2", proto.DeviceMobile, 2)
	a1.waitMembers(2)
	b1 := r.join(t, "bob", "d1", proto.DeviceDesktop, 1)

	b1.send(proto.EventClipboardPush, proto.ClipboardPush{Content: "bob's"})
	a1.send(proto.EventClipboardPush, proto.ClipboardPush{Content: "alice's"})

	var cs proto.ClipboardSync
	a2.expect(proto.EventClipboardSync, &cs)
	if cs.Content != "alice's" {
		t.Fatalf("alice's mesh received %q", cs.Content)
	}
	eventually(t, "unroutable drop for bob", func() bool {
		return r.srv.Diagnostics().Count(ReasonUnroutable, proto.EventClipboardPush) == 1
	})
}

func TestRejectedHandshakes(t *testing.T) {
	cases := []struct {
		name  string
		first func(d *device)
	}{
		{"missing user", func(d *device) {
			d.send(proto.EventHello, proto.Handshake{DeviceID: "d1", DeviceType: proto.DeviceDesktop})
		}},
		{"wrong first event", func(d *device) {
			d.send(proto.EventClipboardPush, proto.ClipboardPush{Content: "x"})
		}},
		{"garbage", func(d *device) {
			_ = d.conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := startRelay(t, Options{})
			conn, _, err := websocket.DefaultDialer.Dial(r.wsURL, nil)
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Close()
			d := &device{t: t, id: "rejected", conn: conn}
			c.first(d)
			d.expectClosed(websocket.ClosePolicyViolation)
			if st := r.srv.Registry().Stats(); st.Devices != 0 {
				t.Fatalf("registry mutated: %+v", st)
			}
		})
	}
}

func TestHandshakeSignature(t *testing.T) {
	secret := "shared-secret"
	r := startRelay(t, Options{HandshakeSecret: secret})

	unsigned := r.dial(t, proto.Handshake{UserID: "u1", DeviceID: "d1", DeviceType: proto.DeviceDesktop})
	unsigned.expectClosed(websocket.ClosePolicyViolation)

	hs := proto.Handshake{UserID: "u1", DeviceID: "d1", DeviceType: proto.DeviceDesktop}
	hs.Sig = proto.SignHandshake([]byte(secret), hs)
	signed := r.dial(t, hs)
	devs := signed.waitMembers(1)
	if devs[0].DeviceID != "d1" {
		t.Fatalf("members = %+v", devs)
	}
}

func TestAssignedDeviceID(t *testing.T) {
	r := startRelay(t, Options{})
	d := r.dial(t, proto.Handshake{UserID: "u1", DeviceType: "tablet"})
	devs := d.waitMembers(1)
	if devs[0].DeviceType != proto.DeviceWeb {
		t.Fatalf("device type = %q, want web", devs[0].DeviceType)
	}
	if !strings.HasPrefix(devs[0].DeviceID, "web-") || len(devs[0].DeviceID) != len("web-")+8 {
		t.Fatalf("assigned id = %q", devs[0].DeviceID)
	}
}

func TestReconnectReplacesWithSingleBroadcast(t *testing.T) {
	r := startRelay(t, Options{})
	other := r.join(t, "u1", "d2", proto.DeviceMobile, 1)
	first := r.join(t, "u1", "d1", proto.DeviceDesktop, 2)
	other.waitMembers(2)

	second := r.join(t, "u1", "d1", proto.DeviceDesktop, 2)
	first.expectClosed(websocket.CloseNormalClosure)

	devs := other.waitMembers(2)
	if devs[0].DeviceID != "d2" || devs[1].DeviceID != "d1" {
		t.Fatalf("members = %+v", devs)
	}
	// give the evicted connection's leave path time to run
	time.Sleep(100 * time.Millisecond)

	second.send(proto.EventClipboardPush, proto.ClipboardPush{Content: "after"})
	f := other.next()
	if f.Event != proto.EventClipboardSync {
		t.Fatalf("expected no further membership update, got %s %s", f.Event, f.Data)
	}
	if st := r.srv.Registry().Stats(); st.Devices != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestConcurrentMembershipConverges(t *testing.T) {
	r := startRelay(t, Options{})
	const n = 24

	conns := make([]*websocket.Conn, n)
	for i := range conns {
		c, _, err := websocket.DefaultDialer.Dial(r.wsURL, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { _ = c.Close() })
		conns[i] = c
	}

	// last membership size each device has seen
	last := make([]atomic.Int64, n)
	for i, c := range conns {
		go func() {
			for {
				_, b, err := c.ReadMessage()
				if err != nil {
					return
				}
				var f proto.Frame
				if json.Unmarshal(b, &f) != nil || f.Event != proto.EventDeviceListUpdate {
					continue
				}
				var devs []proto.DeviceInfo
				if json.Unmarshal(f.Data, &devs) == nil {
					last[i].Store(int64(len(devs)))
				}
			}
		}()
	}

	settled := func(from, want int) func() bool {
		return func() bool {
			for i := from; i < n; i++ {
				if last[i].Load() != int64(want) {
					return false
				}
			}
			return true
		}
	}
	stable := func(from, want int) {
		t.Helper()
		eventually(t, fmt.Sprintf("every device to see %d members", want), settled(from, want))
		time.Sleep(200 * time.Millisecond)
		for i := from; i < n; i++ {
			if got := last[i].Load(); got != int64(want) {
				t.Fatalf("device %d ended on a %d member list, want %d", i, got, want)
			}
		}
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, _ := proto.Encode(proto.EventHello, proto.Handshake{
				UserID:     "u1",
				DeviceID:   fmt.Sprintf("d%02d", i),
				DeviceType: proto.DeviceDesktop,
			})
			<-start
			_ = c.WriteMessage(websocket.TextMessage, msg)
		}()
	}
	close(start)
	wg.Wait()
	stable(0, n)

	// half the mesh drops at once
	var closing sync.WaitGroup
	for _, c := range conns[:n/2] {
		closing.Add(1)
		go func() {
			defer closing.Done()
			_ = c.Close()
		}()
	}
	closing.Wait()
	stable(n/2, n/2)

	if st := r.srv.Registry().Stats(); st.Devices != n/2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestHandoffAliasFallback(t *testing.T) {
	r := startRelay(t, Options{})
	desk := r.join(t, "u1", "desk", proto.DeviceDesktop, 1)
	m1 := r.join(t, "u1", "m1", proto.DeviceMobile, 2)
	m2 := r.join(t, "u1", "m2", proto.DeviceMobile, 3)
	web := r.join(t, "u1", "w1", proto.DeviceWeb, 4)
	desk.waitMembers(4)

	payload := map[string]any{"url": "https://example.com"}
	desk.send(proto.EventCommandHandoff, proto.CommandHandoff{TargetDeviceID: "mobile", Action: proto.ActionOpenBrowser, Payload: payload})

	for _, d := range []*device{m1, m2} {
		var cmd proto.ExecuteCommand
		d.expect(proto.EventExecuteCommand, &cmd)
		if cmd.TargetDeviceID != "mobile" || cmd.Action != proto.ActionOpenBrowser {
			t.Fatalf("%s got %+v", d.id, cmd)
		}
	}

	// w1 is not a mobile; the sentinel handoff must be the first thing it sees.
	m1.send(proto.EventCommandHandoff, proto.CommandHandoff{TargetDeviceID: "w1", Action: "sentinel"})
	var cmd proto.ExecuteCommand
	web.expect(proto.EventExecuteCommand, &cmd)
	if cmd.Action != "sentinel" {
		t.Fatalf("w1 got %+v", cmd)
	}
}

func TestHandoffBroadcastAndUnroutable(t *testing.T) {
	r := startRelay(t, Options{})
	d1 := r.join(t, "u1", "d1", proto.DeviceDesktop, 1)
	d2 := r.join(t, "u1", "d2", proto.DeviceMobile, 2)
	d1.waitMembers(2)

	d1.send(proto.EventCommandHandoff, proto.CommandHandoff{TargetDeviceID: "ghost", Action: "noop"})
	eventually(t, "unroutable drop", func() bool {
		return r.srv.Diagnostics().Count(ReasonUnroutable, proto.EventCommandHandoff) == 1
	})

	d1.send(proto.EventCommandHandoff, proto.CommandHandoff{TargetDeviceID: "all", Action: "everyone"})
	var cmd proto.ExecuteCommand
	d2.expect(proto.EventExecuteCommand, &cmd)
	if cmd.Action != "everyone" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestFileTransferStamping(t *testing.T) {
	r := startRelay(t, Options{})
	d1 := r.join(t, "u1", "d1", proto.DeviceDesktop, 1)
	d2 := r.join(t, "u1", "d2", proto.DeviceMobile, 2)
	d1.waitMembers(2)

	before := time.Now().UnixMilli()
	d1.send(proto.EventFileTransfer, proto.FileTransferRequest{
		TargetDeviceID: "d2",
		FileName:       "hello.txt",
		Base64Data:     "aGVsbG8=",
	})

	var ft proto.FileTransfer
	d2.expect(proto.EventFileTransfer, &ft)
	if ft.ID == "" {
		t.Fatal("missing transfer id")
	}
	if ft.FileName != "hello.txt" || ft.FileSize != 5 || ft.Base64Data != "aGVsbG8=" {
		t.Fatalf("transfer = %+v", ft)
	}
	if ft.FromDevice != "d1" || ft.ToDevice != "d2" {
		t.Fatalf("from/to = %s/%s", ft.FromDevice, ft.ToDevice)
	}
	if ft.Timestamp < before {
		t.Fatalf("timestamp %d before send %d", ft.Timestamp, before)
	}

	d1.send(proto.EventFileTransfer, proto.FileTransferRequest{TargetDeviceID: "d2", FileName: "x", Base64Data: "%%%"})
	eventually(t, "malformed drop", func() bool {
		return r.srv.Diagnostics().Count(ReasonMalformed, proto.EventFileTransfer) == 1
	})
}

func TestMediaCommand(t *testing.T) {
	r := startRelay(t, Options{})
	d1 := r.join(t, "u1", "d1", proto.DeviceWeb, 1)
	d2 := r.join(t, "u1", "d2", proto.DeviceDesktop, 2)
	d1.waitMembers(2)

	d1.send(proto.EventMediaCommand, proto.MediaCommandRequest{DeviceID: "d2", Command: "rewind"})
	eventually(t, "malformed drop", func() bool {
		return r.srv.Diagnostics().Count(ReasonMalformed, proto.EventMediaCommand) == 1
	})

	d1.send(proto.EventMediaCommand, proto.MediaCommandRequest{DeviceID: "d2", Command: "pause"})
	var mc proto.MediaCommand
	d2.expect(proto.EventMediaCommand, &mc)
	if mc.Command != "pause" || mc.FromDevice != "d1" || mc.DeviceID != "d2" {
		t.Fatalf("media_command = %+v", mc)
	}

	d2.send(proto.EventMediaState, proto.MediaStateReport{IsPlaying: false, Track: "Song"})
	var ctl proto.MediaControl
	d1.expect(proto.EventMediaControl, &ctl)
	if ctl.Device != "d2" || ctl.Track != "Song" || ctl.IsPlaying {
		t.Fatalf("media_control = %+v", ctl)
	}
}

func TestNotificationReplyAck(t *testing.T) {
	r := startRelay(t, Options{})
	phone := r.join(t, "u1", "phone", proto.DeviceMobile, 1)

	// alone: nothing delivered, no ack, the drop is recorded
	phone.send(proto.EventNotificationReply, proto.NotificationReplyRequest{NotificationID: "n0", Reply: "hi"})
	eventually(t, "unroutable drop", func() bool {
		return r.srv.Diagnostics().Count(ReasonUnroutable, proto.EventNotificationReply) == 1
	})

	web := r.join(t, "u1", "web", proto.DeviceWeb, 2)
	phone.waitMembers(2)

	web.send(proto.EventNotificationReply, proto.NotificationReplyRequest{NotificationID: "n1", Reply: "on my way"})
	var nr proto.NotificationReply
	phone.expect(proto.EventNotificationReply, &nr)
	if nr.NotificationID != "n1" || nr.Reply != "on my way" || nr.FromDevice != "web" {
		t.Fatalf("reply = %+v", nr)
	}
	var ack proto.NotificationReplyAck
	web.expect(proto.EventNotificationReplyAck, &ack)
	if ack.NotificationID != "n1" || ack.Delivered != 1 {
		t.Fatalf("ack = %+v", ack)
	}

	phone.send(proto.EventNotificationPush, proto.NotificationPush{Type: "sms", Sender: "Mom", Body: "call me"})
	var n proto.Notification
	web.expect(proto.EventNotificationSync, &n)
	if n.ID == "" || n.Sender != "Mom" || n.FromDevice != "phone" || n.Timestamp == 0 {
		t.Fatalf("notification = %+v", n)
	}
}

func TestUnknownKindDropped(t *testing.T) {
	r := startRelay(t, Options{})
	d := r.join(t, "u1", "d1", proto.DeviceDesktop, 1)
	d.send("teleport", map[string]string{"to": "mars"})
	eventually(t, "unknown_kind drop", func() bool {
		return r.srv.Diagnostics().Count(ReasonUnknownKind, "teleport") == 1
	})
}

func TestDropHook(t *testing.T) {
	drops := make(chan Drop, 8)
	r := startRelay(t, Options{DropHook: func(d Drop) { drops <- d }})
	d := r.join(t, "u1", "d1", proto.DeviceDesktop, 1)
	d.send(proto.EventClipboardPush, proto.ClipboardPush{Content: "nobody home"})

	select {
	case got := <-drops:
		if got.Reason != ReasonUnroutable || got.Kind != proto.EventClipboardPush || got.DeviceID != "d1" {
			t.Fatalf("drop = %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("hook not called")
	}
}

func TestRateLimit(t *testing.T) {
	r := startRelay(t, Options{EventsPerSecond: 1, EventBurst: 1})
	d := r.join(t, "u1", "d1", proto.DeviceDesktop, 1)
	for i := 0; i < 5; i++ {
		d.send(proto.EventClipboardPush, proto.ClipboardPush{Content: "spam"})
	}
	eventually(t, "rate_limited drops", func() bool {
		return r.srv.Diagnostics().Count(ReasonRateLimited, proto.EventClipboardPush) >= 3
	})
}

func TestIdleSweep(t *testing.T) {
	r := startRelay(t, Options{IdleTimeout: 100 * time.Millisecond})
	d := r.join(t, "u1", "d1", proto.DeviceDesktop, 1)
	d.expectClosed(websocket.CloseNormalClosure)
	eventually(t, "registry to empty", func() bool {
		return r.srv.Registry().Stats().Devices == 0
	})
}

func TestPerIPConnectionCap(t *testing.T) {
	r := startRelay(t, Options{MaxConnsPerIP: 1})
	r.join(t, "u1", "d1", proto.DeviceDesktop, 1)

	_, resp, err := websocket.DefaultDialer.Dial(r.wsURL, nil)
	if err == nil {
		t.Fatal("second connection should be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("resp = %v, err = %v", resp, err)
	}
}

func TestJournalRecordsTransitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	r := startRelay(t, Options{JournalPath: path})

	d := r.join(t, "u1", "d1", proto.DeviceDesktop, 1)
	_ = d.conn.Close()

	var entries []JournalEntry
	eventually(t, "journal entries", func() bool {
		var err error
		entries, err = r.srv.journal.recent("u1", 10)
		return err == nil && len(entries) == 2
	})
	if entries[0].Type != string(presence.Left) || entries[1].Type != string(presence.Joined) {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[1].DeviceID != "d1" || entries[1].DeviceType != string(proto.DeviceDesktop) {
		t.Fatalf("entry = %+v", entries[1])
	}

	n, err := r.srv.journal.prune(time.Now().Add(time.Minute).UnixMilli())
	if err != nil || n != 2 {
		t.Fatalf("prune = %d, %v", n, err)
	}
}

func TestAdminEndpoints(t *testing.T) {
	get := func(t *testing.T, url, pass string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest(http.MethodGet, url, nil)
		if pass != "" {
			req.SetBasicAuth("admin", pass)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	t.Run("disabled", func(t *testing.T) {
		r := startRelay(t, Options{})
		if resp := get(t, r.http.URL+"/devices.json", "x"); resp.StatusCode != http.StatusForbidden {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	})

	t.Run("enabled", func(t *testing.T) {
		r := startRelay(t, Options{AdminPassword: "pw"})
		r.join(t, "u1", "d1", proto.DeviceDesktop, 1)

		if resp := get(t, r.http.URL+"/healthz", ""); resp.StatusCode != http.StatusOK {
			t.Fatalf("healthz = %d", resp.StatusCode)
		}
		if resp := get(t, r.http.URL+"/devices.json", "wrong"); resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("wrong password status = %d", resp.StatusCode)
		}
		resp := get(t, r.http.URL+"/devices.json", "pw")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var body struct {
			Stats  presence.Stats                `json:"stats"`
			Meshes map[string][]proto.DeviceInfo `json:"meshes"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Stats.Devices != 1 || len(body.Meshes["u1"]) != 1 {
			t.Fatalf("body = %+v", body)
		}
		if resp := get(t, r.http.URL+"/journal.json", "pw"); resp.StatusCode != http.StatusNotFound {
			t.Fatalf("journal status = %d", resp.StatusCode)
		}
		if resp := get(t, r.http.URL+"/diagnostics.json", "pw"); resp.StatusCode != http.StatusOK {
			t.Fatalf("diagnostics status = %d", resp.StatusCode)
		}
	})
}

type stubHandle struct{ id string }

func (h *stubHandle) Deliver([]byte) bool { return true }
func (h *stubHandle) Close() error        { return nil }

func TestResolveTargets(t *testing.T) {
	reg := presence.NewRegistry()
	srv, err := New(reg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	desk := &stubHandle{"desk"}
	literal := &stubHandle{"desktop"}
	phone := &stubHandle{"phone"}
	reg.Register("u1", "desk", proto.DeviceDesktop, desk)
	reg.Register("u1", "phone", proto.DeviceMobile, phone)

	got := srv.resolveTargets("u1", "phone", proto.ParseTarget("desktop", true))
	if len(got) != 1 || got[0] != desk {
		t.Fatalf("alias fallback = %v", got)
	}

	reg.Register("u1", "desktop", proto.DeviceWeb, literal)
	got = srv.resolveTargets("u1", "phone", proto.ParseTarget("desktop", true))
	if len(got) != 1 || got[0] != literal {
		t.Fatalf("exact id should win over alias, got %v", got)
	}

	if got := srv.resolveTargets("u1", "phone", proto.ParseTarget("desktop", false)); len(got) != 1 || got[0] != literal {
		t.Fatalf("exact = %v", got)
	}
	if got := srv.resolveTargets("u1", "desk", proto.ParseTarget("mobile", true)); len(got) != 1 || got[0] != phone {
		t.Fatalf("mobile alias = %v", got)
	}
	if got := srv.resolveTargets("u1", "phone", proto.ParseTarget("mobile", true)); len(got) != 0 {
		t.Fatalf("sender must be excluded from type fan-out, got %v", got)
	}
	if got := srv.resolveTargets("u1", "phone", proto.AllDevices{}); len(got) != 2 {
		t.Fatalf("all = %v", got)
	}
	if got := srv.resolveTargets("u2", "x", proto.AllDevices{}); len(got) != 0 {
		t.Fatalf("other user = %v", got)
	}
	if got := srv.resolveTargets("u1", "phone", nil); got != nil {
		t.Fatalf("nil target = %v", got)
	}
}

func TestDeliveryFailureReasons(t *testing.T) {
	reg := presence.NewRegistry()
	srv, err := New(reg, Options{SendQueue: 1})
	if err != nil {
		t.Fatal(err)
	}

	src := newSession(srv, nil, "127.0.0.1")
	src.userID, src.deviceID = "u1", "src"

	gone := newSession(srv, nil, "127.0.0.1")
	gone.userID, gone.deviceID = "u1", "gone"
	reg.Register("u1", "gone", proto.DeviceDesktop, gone)
	_ = gone.Close()

	busy := newSession(srv, nil, "127.0.0.1")
	busy.userID, busy.deviceID = "u1", "busy"
	reg.Register("u1", "busy", proto.DeviceMobile, busy)
	if !busy.Deliver([]byte("fill")) {
		t.Fatal("first deliver should queue")
	}

	if got := srv.fanout(src, proto.EventClipboardPush, proto.AllDevices{}, []byte("x")); got != 0 {
		t.Fatalf("delivered = %d", got)
	}
	if c := srv.diag.Count(ReasonClosed, proto.EventClipboardPush); c != 1 {
		t.Fatalf("closed drops = %d", c)
	}
	if c := srv.diag.Count(ReasonBackpressure, proto.EventClipboardPush); c != 1 {
		t.Fatalf("backpressure drops = %d", c)
	}
}

func TestDecodedSize(t *testing.T) {
	cases := []struct {
		in   string
		size int64
		ok   bool
	}{
		{"aGVsbG8=", 5, true},
		{"data:text/plain;base64,aGVsbG8=", 5, true},
		{"", 0, true},
		{"not base64!", 0, false},
	}
	for _, c := range cases {
		size, ok := decodedSize(c.in)
		if size != c.size || ok != c.ok {
			t.Errorf("decodedSize(%q) = %d, %v", c.in, size, ok)
		}
	}
}
