package relay

import (
	"sync"
	"time"

	"github.com/petervdpas/meshrelay/internal/util"

	"go.uber.org/zap"
)

// dropLog is the unsugared relay logger used for per-drop lines.
var dropLog = logger.Desugar()

type DropReason string

const (
	ReasonUnroutable   DropReason = "unroutable"
	ReasonMalformed    DropReason = "malformed"
	ReasonUnknownKind  DropReason = "unknown_kind"
	ReasonRateLimited  DropReason = "rate_limited"
	ReasonBackpressure DropReason = "backpressure"
	ReasonClosed       DropReason = "closed"
)

// Drop describes one event the relay discarded.
type Drop struct {
	At       time.Time  `json:"at"`
	Reason   DropReason `json:"reason"`
	Kind     string     `json:"kind"`
	UserID   string     `json:"user_id"`
	DeviceID string     `json:"device_id"`
	Detail   string     `json:"detail,omitempty"`
}

// DropHook is called synchronously for every drop; it must not block.
type DropHook func(Drop)

// Diagnostics counts dropped events per reason and kind and keeps the most
// recent ones for the admin endpoint.
type Diagnostics struct {
	mu     sync.Mutex
	counts map[DropReason]map[string]uint64
	recent *util.RingBuffer[Drop]
	hook   DropHook
}

type DiagSnapshot struct {
	Total  uint64                           `json:"total"`
	Counts map[DropReason]map[string]uint64 `json:"counts"`
	Recent []Drop                           `json:"recent"`
}

func NewDiagnostics(recent int, hook DropHook) *Diagnostics {
	if recent <= 0 {
		recent = 256
	}
	return &Diagnostics{
		counts: make(map[DropReason]map[string]uint64),
		recent: util.NewRingBuffer[Drop](recent),
		hook:   hook,
	}
}

func (d *Diagnostics) Drop(reason DropReason, kind, userID, deviceID, detail string) {
	ev := Drop{
		At:       time.Now(),
		Reason:   reason,
		Kind:     kind,
		UserID:   userID,
		DeviceID: deviceID,
		Detail:   detail,
	}

	d.mu.Lock()
	byKind := d.counts[reason]
	if byKind == nil {
		byKind = make(map[string]uint64)
		d.counts[reason] = byKind
	}
	byKind[kind]++
	d.mu.Unlock()

	d.recent.Push(ev)
	dropLog.Debug("drop",
		zap.String("reason", string(reason)),
		zap.String("kind", kind),
		zap.String("user", userID),
		zap.String("device", deviceID),
		zap.String("detail", detail),
	)
	if d.hook != nil {
		d.hook(ev)
	}
}

// Count returns how many events of kind were dropped for reason.
func (d *Diagnostics) Count(reason DropReason, kind string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[reason][kind]
}

func (d *Diagnostics) Snapshot() DiagSnapshot {
	d.mu.Lock()
	counts := make(map[DropReason]map[string]uint64, len(d.counts))
	for reason, byKind := range d.counts {
		cp := make(map[string]uint64, len(byKind))
		for k, n := range byKind {
			cp[k] = n
		}
		counts[reason] = cp
	}
	d.mu.Unlock()

	return DiagSnapshot{
		Total:  d.recent.Total(),
		Counts: counts,
		Recent: d.recent.Snapshot(),
	}
}
