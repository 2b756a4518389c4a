package presence

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/meshrelay/internal/proto"
)

var logger = logging.Logger("presence")

// Handle is a live connection owned by a registry entry. The registry never
// calls Close itself; evicted and idle handles are handed back to the owner.
type Handle interface {
	Deliver(msg []byte) bool
	Close() error
}

type ChangeType string

const (
	Joined   ChangeType = "joined"
	Replaced ChangeType = "replaced"
	Left     ChangeType = "left"
)

type Change struct {
	Type   ChangeType       `json:"type"`
	UserID string           `json:"user_id"`
	Device proto.DeviceInfo `json:"device"`
}

type Stats struct {
	Users   int `json:"users"`
	Devices int `json:"devices"`
}

type entry struct {
	info     proto.DeviceInfo
	seq      uint64
	handle   Handle
	lastSeen atomic.Int64 // unix nanos
}

// partition holds one user's mesh. dead is set once it has been unlinked
// from the registry so late lockers retry against a fresh partition.
type partition struct {
	mu      sync.Mutex
	devices map[string]*entry
	dead    bool
}

// Registry maps userId → deviceId → live entry.
//
// Lock order is Registry.mu → partition.mu → Registry.lmu.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*partition
	seq   atomic.Uint64

	lmu       sync.Mutex
	listeners []chan Change
}

func NewRegistry() *Registry {
	return &Registry{users: map[string]*partition{}}
}

// acquire returns the locked partition for userID, creating it when create
// is set. The caller must unlock it.
func (r *Registry) acquire(userID string, create bool) *partition {
	for {
		r.mu.RLock()
		p := r.users[userID]
		r.mu.RUnlock()

		if p == nil {
			if !create {
				return nil
			}
			r.mu.Lock()
			p = r.users[userID]
			if p == nil {
				p = &partition{devices: map[string]*entry{}}
				r.users[userID] = p
			}
			r.mu.Unlock()
		}

		p.mu.Lock()
		if !p.dead {
			return p
		}
		p.mu.Unlock()
	}
}

// release unlocks p and unlinks it when it has become empty.
func (r *Registry) release(userID string, p *partition) {
	empty := len(p.devices) == 0
	p.mu.Unlock()
	if !empty {
		return
	}
	r.mu.Lock()
	p.mu.Lock()
	if len(p.devices) == 0 && r.users[userID] == p {
		p.dead = true
		delete(r.users, userID)
	}
	p.mu.Unlock()
	r.mu.Unlock()
}

// Register upserts (userID, deviceID). A previous entry for the same device
// is replaced, never merged, and its handle is returned so the caller can
// close it. The returned snapshot includes the new device.
func (r *Registry) Register(userID, deviceID string, deviceType proto.DeviceType, h Handle) ([]proto.DeviceInfo, Handle) {
	p := r.acquire(userID, true)

	now := time.Now()
	e := &entry{
		info: proto.DeviceInfo{
			DeviceID:   deviceID,
			DeviceType: deviceType,
			JoinedAt:   now.UnixMilli(),
		},
		seq:    r.seq.Add(1),
		handle: h,
	}
	e.lastSeen.Store(now.UnixNano())

	var evicted Handle
	change := Joined
	if old, ok := p.devices[deviceID]; ok {
		evicted = old.handle
		change = Replaced
	}
	p.devices[deviceID] = e
	snap := p.snapshot()
	r.notify(Change{Type: change, UserID: userID, Device: e.info})
	r.release(userID, p)

	logger.Debugw("register", "user", userID, "device", deviceID, "type", deviceType, "change", change, "members", len(snap))
	return snap, evicted
}

// Unregister removes (userID, deviceID) regardless of which handle owns it.
// Removing an absent device is a no-op.
func (r *Registry) Unregister(userID, deviceID string) []proto.DeviceInfo {
	p := r.acquire(userID, false)
	if p == nil {
		return []proto.DeviceInfo{}
	}
	if e, ok := p.devices[deviceID]; ok {
		delete(p.devices, deviceID)
		r.notify(Change{Type: Left, UserID: userID, Device: e.info})
	}
	snap := p.snapshot()
	r.release(userID, p)
	return snap
}

// Leave removes (userID, deviceID) only while h still owns the entry. A
// connection that was replaced and closes late never removes its successor.
func (r *Registry) Leave(userID, deviceID string, h Handle) ([]proto.DeviceInfo, bool) {
	p := r.acquire(userID, false)
	if p == nil {
		return []proto.DeviceInfo{}, false
	}
	e, ok := p.devices[deviceID]
	if !ok || e.handle != h {
		snap := p.snapshot()
		r.release(userID, p)
		return snap, false
	}
	delete(p.devices, deviceID)
	r.notify(Change{Type: Left, UserID: userID, Device: e.info})
	snap := p.snapshot()
	r.release(userID, p)

	logger.Debugw("leave", "user", userID, "device", deviceID, "members", len(snap))
	return snap, true
}

func (r *Registry) Resolve(userID, deviceID string) (Handle, bool) {
	p := r.acquire(userID, false)
	if p == nil {
		return nil, false
	}
	defer p.mu.Unlock()
	e, ok := p.devices[deviceID]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// ResolveByType returns the handles of every member of deviceType except
// excludingDeviceID.
func (r *Registry) ResolveByType(userID string, deviceType proto.DeviceType, excludingDeviceID string) []Handle {
	return r.collect(userID, func(e *entry) bool {
		return e.info.DeviceType == deviceType && e.info.DeviceID != excludingDeviceID
	})
}

// ResolveAll returns the handles of every member except excludingDeviceID.
func (r *Registry) ResolveAll(userID, excludingDeviceID string) []Handle {
	return r.collect(userID, func(e *entry) bool {
		return e.info.DeviceID != excludingDeviceID
	})
}

func (r *Registry) collect(userID string, keep func(*entry) bool) []Handle {
	p := r.acquire(userID, false)
	if p == nil {
		return nil
	}
	defer p.mu.Unlock()
	entries := p.ordered()
	out := make([]Handle, 0, len(entries))
	for _, e := range entries {
		if keep(e) {
			out = append(out, e.handle)
		}
	}
	return out
}

// Members returns the user's mesh in join order.
func (r *Registry) Members(userID string) []proto.DeviceInfo {
	p := r.acquire(userID, false)
	if p == nil {
		return []proto.DeviceInfo{}
	}
	defer p.mu.Unlock()
	return p.snapshot()
}

// View returns the user's mesh in join order together with the handles of
// the same members, read in one step.
func (r *Registry) View(userID string) ([]proto.DeviceInfo, []Handle) {
	p := r.acquire(userID, false)
	if p == nil {
		return []proto.DeviceInfo{}, nil
	}
	defer p.mu.Unlock()
	entries := p.ordered()
	info := make([]proto.DeviceInfo, len(entries))
	handles := make([]Handle, len(entries))
	for i, e := range entries {
		info[i] = e.info
		handles[i] = e.handle
	}
	return info, handles
}

// Touch records activity for (userID, deviceID).
func (r *Registry) Touch(userID, deviceID string) {
	p := r.acquire(userID, false)
	if p == nil {
		return
	}
	defer p.mu.Unlock()
	if e, ok := p.devices[deviceID]; ok {
		e.lastSeen.Store(time.Now().UnixNano())
	}
}

// Idle returns the handles of entries with no activity since cutoff. The
// entries stay registered; closing the handle drives the normal leave path.
func (r *Registry) Idle(cutoff time.Time) []Handle {
	var out []Handle
	limit := cutoff.UnixNano()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.users {
		p.mu.Lock()
		for _, e := range p.devices {
			if e.lastSeen.Load() < limit {
				out = append(out, e.handle)
			}
		}
		p.mu.Unlock()
	}
	return out
}

// All returns every mesh keyed by userId. Handles are never included.
func (r *Registry) All() map[string][]proto.DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]proto.DeviceInfo, len(r.users))
	for uid, p := range r.users {
		p.mu.Lock()
		out[uid] = p.snapshot()
		p.mu.Unlock()
	}
	return out
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{Users: len(r.users)}
	for _, p := range r.users {
		p.mu.Lock()
		st.Devices += len(p.devices)
		p.mu.Unlock()
	}
	return st
}

func (r *Registry) Subscribe() chan Change {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	ch := make(chan Change, 64)
	r.listeners = append(r.listeners, ch)
	return ch
}

func (r *Registry) Unsubscribe(ch chan Change) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	for i, listener := range r.listeners {
		if listener == ch {
			close(listener)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Registry) notify(c Change) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	for _, ch := range r.listeners {
		select {
		case ch <- c:
		default:
			logger.Warnw("listener full, change dropped", "user", c.UserID, "device", c.Device.DeviceID, "type", c.Type)
		}
	}
}

func (p *partition) ordered() []*entry {
	entries := make([]*entry, 0, len(p.devices))
	for _, e := range p.devices {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

func (p *partition) snapshot() []proto.DeviceInfo {
	entries := p.ordered()
	out := make([]proto.DeviceInfo, len(entries))
	for i, e := range entries {
		out[i] = e.info
	}
	return out
}
