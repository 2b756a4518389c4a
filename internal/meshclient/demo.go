package meshclient

import (
	"context"
	"errors"

	"github.com/petervdpas/meshrelay/internal/proto"
)

var demoPeers = []struct {
	id  string
	typ proto.DeviceType
}{
	{"demo-desktop", proto.DeviceDesktop},
	{"demo-mobile", proto.DeviceMobile},
	{"demo-tablet", proto.DeviceWeb},
}

// SetDemoMode switches between a fixed local membership and the relay.
// Enabling drops any live transport; sends then succeed without network
// I/O. Disabling clears the membership and, when a relay URL is set,
// connects in the background.
func (c *Client) SetDemoMode(enabled bool) {
	c.mu.Lock()
	if c.demo == enabled {
		c.mu.Unlock()
		return
	}
	c.demo = enabled
	l := c.link
	c.link = nil
	if enabled {
		now := proto.NowMillis()
		devices := make([]Device, 0, len(demoPeers)+1)
		for _, p := range demoPeers {
			devices = append(devices, Device{DeviceInfo: proto.DeviceInfo{DeviceID: p.id, DeviceType: p.typ, JoinedAt: now}})
		}
		devices = append(devices, Device{
			DeviceInfo: proto.DeviceInfo{DeviceID: c.opts.DeviceID, DeviceType: c.opts.DeviceType, JoinedAt: now},
			Current:    true,
		})
		c.devices = devices
		c.connected = true
	} else {
		c.devices = []Device{}
		c.connected = false
	}
	devices := c.copyDevices()
	connected := c.connected
	c.mu.Unlock()

	if l != nil {
		l.close()
	}
	logger.Infow("demo mode", "enabled", enabled)
	c.emit(Event{Type: EventConnection, Connected: connected, Demo: enabled})
	c.emit(Event{Type: EventDevices, Devices: devices})

	if !enabled && c.opts.URL != "" {
		go func() {
			if err := c.Connect(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warnw("background connect failed", "err", err)
			}
		}()
	}
}

func (c *Client) DemoMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.demo
}
