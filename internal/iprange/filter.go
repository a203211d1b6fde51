// Package iprange implements the included-IP-ranges filter described in
// spec.md §3 and §4.5: an ordered, non-overlapping list of CIDR ranges
// decided by binary search, with a cached lookup map that is bulk-flushed
// once it exceeds 65,535 entries. The compiled Filter is immutable after
// construction and safe for concurrent reads, mirroring the split-tunnel
// gateway's compiled IPFilter.
package iprange

import (
	"net/netip"
	"sort"
	"sync"
)

// entry is one canonical, non-overlapping range in the compiled list.
type entry struct {
	lo netip.Addr // inclusive
	hi netip.Addr // inclusive
}

// Filter is a compiled, immutable set of IP ranges with a bounded lookup
// cache in front of the binary search.
type Filter struct {
	ranges []entry // sorted by lo, non-overlapping

	mu    sync.RWMutex
	cache map[netip.Addr]bool
}

// New compiles a Filter from a list of CIDR strings. Overlapping prefixes
// are merged so the binary search invariant (sorted, non-overlapping)
// holds; prefixes that are merely adjacent stay separate entries.
func New(cidrs []string) (*Filter, error) {
	entries := make([]entry, 0, len(cidrs))
	for _, s := range cidrs {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, err
		}
		lo := p.Masked().Addr()
		hi := lastAddr(p)
		entries = append(entries, entry{lo: lo, hi: hi})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lo.Less(entries[j].lo)
	})

	merged := make([]entry, 0, len(entries))
	for _, e := range entries {
		if n := len(merged); n > 0 && !merged[n-1].hi.Less(e.lo) {
			// Overlaps the previous range — extend it.
			if e.hi.Less(merged[n-1].hi) {
				continue
			}
			merged[n-1].hi = e.hi
			continue
		}
		merged = append(merged, e)
	}

	return &Filter{
		ranges: merged,
		cache:  make(map[netip.Addr]bool),
	}, nil
}

// lastAddr returns the highest address covered by prefix p.
func lastAddr(p netip.Prefix) netip.Addr {
	base := p.Masked().Addr()
	bits := base.BitLen()
	b := base.AsSlice()
	hostBits := bits - p.Bits()
	for i := len(b) - 1; hostBits > 0; i-- {
		if hostBits >= 8 {
			b[i] = 0xff
			hostBits -= 8
			continue
		}
		b[i] |= byte(1<<uint(hostBits)) - 1
		hostBits = 0
	}
	addr, _ := netip.AddrFromSlice(b)
	return addr
}

// Contains reports whether ip falls within any compiled range, consulting
// the lookup cache before falling back to binary search over the canonical
// ordered list (spec.md §3 IP-range filter, §8 invariant).
func (f *Filter) Contains(ip netip.Addr) bool {
	f.mu.RLock()
	if v, ok := f.cache[ip]; ok {
		f.mu.RUnlock()
		return v
	}
	f.mu.RUnlock()

	result := f.search(ip)

	f.mu.Lock()
	// Bulk-flush once the cache grows past the bound (spec.md §3, §9 Open
	// Question: a bulk flush is equivalent in correctness to an LRU here).
	if len(f.cache) >= 65535 {
		f.cache = make(map[netip.Addr]bool)
	}
	f.cache[ip] = result
	f.mu.Unlock()

	return result
}

// search performs the canonical binary search over the sorted range list.
func (f *Filter) search(ip netip.Addr) bool {
	ranges := f.ranges
	lo, hi := 0, len(ranges)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch {
		case ip.Less(ranges[mid].lo):
			hi = mid - 1
		case ranges[mid].hi.Less(ip):
			lo = mid + 1
		default:
			return true
		}
	}
	return false
}

// Len returns the number of canonical (merged) ranges, for diagnostics.
func (f *Filter) Len() int {
	return len(f.ranges)
}

// CacheSize reports the current lookup cache size, exposed so tests can
// assert the flush-at-65535 behavior without filling the cache for real.
func (f *Filter) CacheSize() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.cache)
}
