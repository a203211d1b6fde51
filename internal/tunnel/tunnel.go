// Package tunnel implements the Tunnel (spec.md §4.3): the owner of a
// session's packet channels and proxy-channel set. It multiplexes outgoing
// packets round-robin across connected channels and fans inbound packets
// to a single sink.
package tunnel

import (
	"sync"

	"vpntunnelcore/internal/channel"
	"vpntunnelcore/internal/core"
)

// Sink receives packets the Tunnel has fanned in from any of its channels.
type Sink func(packet []byte)

// Tunnel owns a set of PacketChannels for one session plus the session's
// active ProxyChannels. All mutation is serialized behind mu so add/remove
// is atomic with respect to Send (spec.md §4.3 operations).
type Tunnel struct {
	mu sync.RWMutex

	channels         []*channel.PacketChannel
	maxPacketChannels int
	udpMode          bool

	rrCursor int

	proxyChannels map[string]*channel.ProxyChannel

	sink Sink

	speedometer *Speedometer
}

// New creates a Tunnel that delivers inbound packets to sink.
func New(maxPacketChannels int, sink Sink) *Tunnel {
	return &Tunnel{
		maxPacketChannels: maxPacketChannels,
		proxyChannels:     make(map[string]*channel.ProxyChannel),
		sink:              sink,
	}
}

// EnableSpeedometer starts a 1Hz speed sampler over this tunnel's traffic
// (spec.md §4.3).
func (t *Tunnel) EnableSpeedometer() *Speedometer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.speedometer == nil {
		t.speedometer = NewSpeedometer(t.Traffic)
	}
	return t.speedometer
}

// SetMaxPacketChannels updates the channel cap. If n is below the current
// count, excess channels are not evicted; the Tunnel simply stops opening
// new ones until the count falls below n (spec.md §4.3).
func (t *Tunnel) SetMaxPacketChannels(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxPacketChannels = n
}

// SetUDPMode records whether this tunnel is operating in UDP mode, which
// the session uses to decide channel management policy (spec.md §4.3
// invariant b, §4.5 channel management).
func (t *Tunnel) SetUDPMode(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.udpMode = on
}

// AddChannel registers a new connected channel. Atomic with respect to
// Send and RemoveAllPacketChannels (spec.md §4.3).
func (t *Tunnel) AddChannel(ch *channel.PacketChannel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels = append(t.channels, ch)
}

// RemoveAllPacketChannels closes and drops every packet channel, e.g. when
// switching UDP/stream mode (spec.md §4.3).
func (t *Tunnel) RemoveAllPacketChannels() {
	t.mu.Lock()
	channels := t.channels
	t.channels = nil
	t.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
}

// ActivePacketChannels returns the channels currently in state connected.
func (t *Tunnel) ActivePacketChannels() []*channel.PacketChannel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*channel.PacketChannel, 0, len(t.channels))
	for _, ch := range t.channels {
		if ch.State() == core.ChannelConnected {
			out = append(out, ch)
		}
	}
	return out
}

// ChannelCount returns the number of channels not yet closed.
func (t *Tunnel) ChannelCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.channelCountLocked()
}

// channelCountLocked is ChannelCount's body, callable by other methods that
// already hold t.mu for reading. sync.RWMutex does not support recursive
// RLock, so callers under RLock must use this instead of ChannelCount.
func (t *Tunnel) channelCountLocked() int {
	n := 0
	for _, ch := range t.channels {
		if ch.State() != core.ChannelClosed {
			n++
		}
	}
	return n
}

// NeedsMoreChannels reports whether the tunnel is below its configured cap
// and should open another packet channel (spec.md §4.5 channel management).
func (t *Tunnel) NeedsMoreChannels() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.channelCountLocked() < t.maxPacketChannels
}

// Send multiplexes packet across connected channels round-robin, dropping
// it if none are available (spec.md §4.3 send operation).
func (t *Tunnel) Send(packet []byte) {
	t.mu.Lock()
	active := make([]*channel.PacketChannel, 0, len(t.channels))
	for _, ch := range t.channels {
		if ch.State() == core.ChannelConnected {
			active = append(active, ch)
		}
	}
	if len(active) == 0 {
		t.mu.Unlock()
		return
	}
	t.rrCursor = (t.rrCursor + 1) % len(active)
	chosen := active[t.rrCursor]
	t.mu.Unlock()

	chosen.Send(packet)
}

// ReceiveCallback is the ReceiveFunc every owned PacketChannel should be
// constructed with; it fans inbound packets to the tunnel's sink.
func (t *Tunnel) ReceiveCallback(packet []byte) {
	if t.sink != nil {
		t.sink(packet)
	}
}

// AddProxyChannel registers an active ProxyChannel under the tunnel so its
// traffic counts toward Traffic() (spec.md §4.2, §4.3 invariant d).
func (t *Tunnel) AddProxyChannel(pc *channel.ProxyChannel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.proxyChannels[pc.ID()] = pc
}

// RemoveProxyChannel drops a finished ProxyChannel from the tunnel's set.
func (t *Tunnel) RemoveProxyChannel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.proxyChannels, id)
}

// Traffic sums counters over every owned channel (spec.md §4.3 invariant d,
// §8 invariant).
func (t *Tunnel) Traffic() channel.Traffic {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total channel.Traffic
	for _, ch := range t.channels {
		tr := ch.Traffic()
		total.Sent += tr.Sent
		total.Received += tr.Received
	}
	for _, pc := range t.proxyChannels {
		tr := pc.Traffic()
		total.Sent += tr.Sent
		total.Received += tr.Received
	}
	return total
}

// IsUDPMode reports whether the tunnel is configured for UDP mode.
func (t *Tunnel) IsUDPMode() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.udpMode
}
