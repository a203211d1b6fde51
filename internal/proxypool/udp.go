package proxypool

import (
	"container/list"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"vpntunnelcore/internal/core"
)

// udpEntry is one outbound ephemeral socket the pool has opened on behalf
// of a client flow (spec.md §4.7).
type udpEntry struct {
	key       UDPFlowKey
	sessionID uint64
	conn      *net.UDPConn
	lastUsed  time.Time
	elem      *list.Element // position in the LRU list
}

// UDPSubPool is the UDP half of the ProxyPool: one ephemeral *net.UDPConn
// per client flow, evicted by idleness (UDPTimeout) or LRU once
// MaxClients is reached (spec.md §4.7).
type UDPSubPool struct {
	MaxClients int
	Timeout    time.Duration
	OnNewConn  NewConnCallback
	OnEstablished EstablishedCallback
	OnReply    UDPReplyCallback

	mu      sync.Mutex
	entries map[UDPFlowKey]*udpEntry
	lru     *list.List // front = most recently used

	stop chan struct{}
	once sync.Once
}

// NewUDPSubPool creates a ready-to-use UDP NAT sub-pool.
func NewUDPSubPool(maxClients int, timeout time.Duration) *UDPSubPool {
	p := &UDPSubPool{
		MaxClients: maxClients,
		Timeout:    timeout,
		entries:    make(map[UDPFlowKey]*udpEntry),
		lru:        list.New(),
		stop:       make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Get returns the outbound socket for key, opening one if this is a new
// flow. Returns (nil, false) if OnNewConn rejects the flow (spec.md §4.6
// NetScan, §4.7).
func (p *UDPSubPool) Get(sessionID uint64, key UDPFlowKey) (*net.UDPConn, bool, error) {
	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		e.lastUsed = time.Now()
		p.lru.MoveToFront(e.elem)
		p.mu.Unlock()
		return e.conn, true, nil
	}
	p.mu.Unlock()

	dst := netip.AddrPortFrom(key.DstAddr, key.DstPort)
	if p.OnNewConn != nil && !p.OnNewConn(sessionID, dst) {
		return nil, false, nil
	}

	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(dst))
	if err != nil {
		return nil, false, fmt.Errorf("[ProxyPool] dial udp %s: %w", dst, err)
	}

	p.mu.Lock()
	if p.MaxClients > 0 && len(p.entries) >= p.MaxClients {
		p.evictOldestLocked()
	}
	e := &udpEntry{key: key, sessionID: sessionID, conn: conn, lastUsed: time.Now()}
	e.elem = p.lru.PushFront(e)
	p.entries[key] = e
	p.mu.Unlock()

	if p.OnEstablished != nil {
		p.OnEstablished(sessionID, dst)
	}
	go p.readLoop(e)
	return conn, true, nil
}

// readLoop reads reply datagrams off e's outbound socket for as long as it
// stays open, handing each one to OnReply so the caller can route it back
// through the owning session's Tunnel (spec.md §2, §4.7 "returns replies").
// It exits once the socket is closed, by eviction or pool shutdown.
func (p *UDPSubPool) readLoop(e *udpEntry) {
	buf := make([]byte, 65535)
	for {
		n, err := e.conn.Read(buf)
		if err != nil {
			return
		}
		if p.OnReply != nil {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			p.OnReply(e.sessionID, e.key, payload)
		}
		p.Touch(e.key)
	}
}

// evictOldestLocked drops the least-recently-used entry. Caller must hold mu.
func (p *UDPSubPool) evictOldestLocked() {
	back := p.lru.Back()
	if back == nil {
		return
	}
	e := back.Value.(*udpEntry)
	p.lru.Remove(back)
	delete(p.entries, e.key)
	e.conn.Close()
}

// Touch refreshes a flow's idleness clock on inbound or outbound traffic.
func (p *UDPSubPool) Touch(key UDPFlowKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		e.lastUsed = time.Now()
		p.lru.MoveToFront(e.elem)
	}
}

// Count returns the number of open UDP flows, for diagnostics and tests.
func (p *UDPSubPool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *UDPSubPool) sweepLoop() {
	period := p.Timeout / 2
	if period <= 0 {
		period = 15 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *UDPSubPool) sweep() {
	cutoff := time.Now().Add(-p.Timeout)
	p.mu.Lock()
	var expired []*udpEntry
	for e := p.lru.Back(); e != nil; {
		prev := e.Prev()
		entry := e.Value.(*udpEntry)
		if entry.lastUsed.Before(cutoff) {
			p.lru.Remove(e)
			delete(p.entries, entry.key)
			expired = append(expired, entry)
		}
		e = prev
	}
	p.mu.Unlock()

	for _, e := range expired {
		core.Log.Debugf("ProxyPool", "udp flow %v idle past timeout, evicting", e.key)
		e.conn.Close()
	}
}

// Close stops the sweeper and closes every open socket.
func (p *UDPSubPool) Close() {
	p.once.Do(func() { close(p.stop) })
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[UDPFlowKey]*udpEntry)
	p.lru.Init()
	p.mu.Unlock()
	for _, e := range entries {
		e.conn.Close()
	}
}
