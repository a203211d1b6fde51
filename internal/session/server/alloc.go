package server

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
)

// IPAllocator hands out unique virtual IPv4/IPv6 addresses to new sessions
// from a fixed pool, and returns them when a session disposes. Grounded on
// the teacher's TunnelRegistry (map + mutex + explicit register/unregister,
// internal/core/tunnel_registry.go), generalized from tunnel IDs to IP
// addresses.
type IPAllocator struct {
	mu       sync.Mutex
	v4Base   netip.Addr
	v4Count  int
	v6Base   netip.Addr
	v6Count  int
	haveV6   bool
	taken    map[netip.Addr]uint64 // addr -> session id holding it
	free     []netip.Addr
}

// NewIPAllocator creates an allocator over the given IPv4 pool
// (base.network_address + 1 .. +count) and, if v6Base is valid, the
// matching IPv6 pool (spec.md §3 Session virtual IPv4/IPv6).
func NewIPAllocator(v4Base netip.Addr, v4Count int, v6Base netip.Addr) *IPAllocator {
	return &IPAllocator{
		v4Base:  v4Base,
		v4Count: v4Count,
		v6Base:  v6Base,
		haveV6:  v6Base.IsValid(),
		taken:   make(map[netip.Addr]uint64),
	}
}

// Allocate reserves the next free IPv4 (and, if configured, IPv6) address
// for sessionID.
func (a *IPAllocator) Allocate(sessionID uint64) (v4, v6 netip.Addr, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.free) > 0 {
		v4 = a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
	} else {
		v4, err = offsetAddr(a.v4Base, len(a.taken)+1)
		if err != nil || (a.v4Count > 0 && len(a.taken) >= a.v4Count) {
			return netip.Addr{}, netip.Addr{}, fmt.Errorf("[server] virtual IPv4 pool exhausted")
		}
	}
	a.taken[v4] = sessionID

	if a.haveV6 {
		v6, _ = offsetAddr(a.v6Base, int(sessionID%1_000_000))
	}
	return v4, v6, nil
}

// Release returns an IPv4 addr to the free list. IPv6 addresses are derived
// from the session id rather than pooled, so there is nothing to return.
func (a *IPAllocator) Release(addr netip.Addr) {
	if !addr.IsValid() || addr.Is6() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.taken, addr)
	a.free = append(a.free, addr)
}

// offsetAddr returns base's address space shifted by n hosts.
func offsetAddr(base netip.Addr, n int) (netip.Addr, error) {
	if !base.IsValid() {
		return netip.Addr{}, fmt.Errorf("[server] no base address configured")
	}
	if base.Is6() {
		b := base.As16()
		lo := binary.BigEndian.Uint64(b[8:]) + uint64(n)
		binary.BigEndian.PutUint64(b[8:], lo)
		return netip.AddrFrom16(b), nil
	}
	b := base.As4()
	total := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	total += uint32(n)
	nb := [4]byte{byte(total >> 24), byte(total >> 16), byte(total >> 8), byte(total)}
	return netip.AddrFrom4(nb), nil
}
