package server

import (
	"net/netip"
	"sync"
	"time"
)

// NetScan is a per-session sliding-window unique-destination-rate limiter
// (spec.md §4.6 Limits per session). It is grounded on the teacher's
// udpNATCleanup ticker-based eviction idiom (internal/core/packet_router.go):
// destinations age out of the window the same way idle NAT entries do,
// instead of a generic token-bucket.
type NetScan struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	seen map[netip.AddrPort]time.Time
}

// NewNetScan creates a detector allowing at most limit unique destinations
// per window (spec.md §4.6, SPEC_FULL ServerConfig net_scan_limit/window).
// A non-positive limit disables the detector.
func NewNetScan(limit int, window time.Duration) *NetScan {
	return &NetScan{
		limit:  limit,
		window: window,
		seen:   make(map[netip.AddrPort]time.Time),
	}
}

// Allow records dst as a destination this session just reached and reports
// whether the session is still within its unique-destination budget for
// the current window (spec.md §4.6: "limits the rate of unique destination
// endpoints per unit time").
func (n *NetScan) Allow(dst netip.AddrPort) bool {
	if n.limit <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-n.window)

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.seen[dst]; ok {
		n.seen[dst] = now
		return true
	}

	for d, t := range n.seen {
		if t.Before(cutoff) {
			delete(n.seen, d)
		}
	}

	if len(n.seen) >= n.limit {
		return false
	}
	n.seen[dst] = now
	return true
}

// Count returns the number of unique destinations currently tracked, for
// diagnostics and tests.
func (n *NetScan) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.seen)
}
