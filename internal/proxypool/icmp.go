package proxypool

import (
	"container/list"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"vpntunnelcore/internal/core"
)

// icmpEntry is one outbound ICMP echo "connection" — in practice a single
// shared echo socket per flow key, since ICMP has no real connection
// concept (spec.md §4.7 "ICMP echo handles").
type icmpEntry struct {
	key       ICMPFlowKey
	sessionID uint64
	conn      *icmp.PacketConn
	lastUsed  time.Time
	elem      *list.Element
}

// ICMPSubPool is the ICMP half of the ProxyPool (spec.md §4.7), mirroring
// UDPSubPool's LRU/idleness eviction but over raw echo sockets instead of
// connected UDP sockets.
type ICMPSubPool struct {
	MaxClients    int
	Timeout       time.Duration
	OnNewConn     NewConnCallback
	OnEstablished EstablishedCallback
	OnReply       ICMPReplyCallback

	mu      sync.Mutex
	entries map[ICMPFlowKey]*icmpEntry
	lru     *list.List

	stop chan struct{}
	once sync.Once
}

// NewICMPSubPool creates a ready-to-use ICMP echo sub-pool.
func NewICMPSubPool(maxClients int, timeout time.Duration) *ICMPSubPool {
	p := &ICMPSubPool{
		MaxClients: maxClients,
		Timeout:    timeout,
		entries:    make(map[ICMPFlowKey]*icmpEntry),
		lru:        list.New(),
		stop:       make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Get returns the echo socket for key, opening one if this is a new flow
// (spec.md §4.7).
func (p *ICMPSubPool) Get(sessionID uint64, key ICMPFlowKey) (*icmp.PacketConn, bool, error) {
	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		e.lastUsed = time.Now()
		p.lru.MoveToFront(e.elem)
		p.mu.Unlock()
		return e.conn, true, nil
	}
	p.mu.Unlock()

	dst := netip.AddrPortFrom(key.DstAddr, 0)
	if p.OnNewConn != nil && !p.OnNewConn(sessionID, dst) {
		return nil, false, nil
	}

	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return nil, false, fmt.Errorf("[ProxyPool] open icmp echo socket: %w", err)
	}

	p.mu.Lock()
	if p.MaxClients > 0 && len(p.entries) >= p.MaxClients {
		p.evictOldestLocked()
	}
	e := &icmpEntry{key: key, sessionID: sessionID, conn: conn, lastUsed: time.Now()}
	e.elem = p.lru.PushFront(e)
	p.entries[key] = e
	p.mu.Unlock()

	if p.OnEstablished != nil {
		p.OnEstablished(sessionID, dst)
	}
	go p.readLoop(e)
	return conn, true, nil
}

// readLoop reads echo replies off e's socket for as long as it stays open,
// handing each one to OnReply (spec.md §2, §4.7 "returns replies"). It
// exits once the socket is closed, by eviction or pool shutdown.
func (p *ICMPSubPool) readLoop(e *icmpEntry) {
	buf := make([]byte, 65535)
	for {
		n, _, err := e.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if p.OnReply != nil {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			p.OnReply(e.sessionID, e.key, payload)
		}
	}
}

func (p *ICMPSubPool) evictOldestLocked() {
	back := p.lru.Back()
	if back == nil {
		return
	}
	e := back.Value.(*icmpEntry)
	p.lru.Remove(back)
	delete(p.entries, e.key)
	e.conn.Close()
}

// Count returns the number of open ICMP flows.
func (p *ICMPSubPool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *ICMPSubPool) sweepLoop() {
	period := p.Timeout / 2
	if period <= 0 {
		period = 10 * time.Second
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

func (p *ICMPSubPool) sweep() {
	cutoff := time.Now().Add(-p.Timeout)
	p.mu.Lock()
	var expired []*icmpEntry
	for e := p.lru.Back(); e != nil; {
		prev := e.Prev()
		entry := e.Value.(*icmpEntry)
		if entry.lastUsed.Before(cutoff) {
			p.lru.Remove(e)
			delete(p.entries, entry.key)
			expired = append(expired, entry)
		}
		e = prev
	}
	p.mu.Unlock()

	for _, e := range expired {
		core.Log.Debugf("ProxyPool", "icmp flow %v idle past timeout, evicting", e.key)
		e.conn.Close()
	}
}

// Close stops the sweeper and closes every open echo socket.
func (p *ICMPSubPool) Close() {
	p.once.Do(func() { close(p.stop) })
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[ICMPFlowKey]*icmpEntry)
	p.lru.Init()
	p.mu.Unlock()
	for _, e := range entries {
		e.conn.Close()
	}
}

// BuildEchoRequest frames an ICMP echo request with the given id/seq and
// payload, for the session layer to send through an entry's socket.
func BuildEchoRequest(id, seq int, payload []byte) ([]byte, error) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   id,
			Seq:  seq,
			Data: payload,
		},
	}
	return msg.Marshal(nil)
}
