package client

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// FindServer probes every candidate endpoint in parallel and returns the
// first that completes a TCP handshake within timeout, preferring IPv6
// candidates when the client supports IPv6 (spec.md §4.5 ServerFinder).
func FindServer(ctx context.Context, candidates []netip.AddrPort, preferIPv6 bool, timeout time.Duration) (netip.AddrPort, error) {
	if len(candidates) == 0 {
		return netip.AddrPort{}, fmt.Errorf("[finder] no candidate endpoints")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ordered := orderCandidates(candidates, preferIPv6)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		addr netip.AddrPort
		err  error
	}
	results := make(chan result, len(ordered))

	d := net.Dialer{}
	for _, c := range ordered {
		go func(c netip.AddrPort) {
			conn, err := d.DialContext(ctx, "tcp", c.String())
			if err != nil {
				results <- result{err: err}
				return
			}
			conn.Close()
			results <- result{addr: c}
		}(c)
	}

	var lastErr error
	for range ordered {
		select {
		case <-ctx.Done():
			return netip.AddrPort{}, fmt.Errorf("[finder] timed out: %w", ctx.Err())
		case r := <-results:
			if r.err == nil {
				return r.addr, nil
			}
			lastErr = r.err
		}
	}
	return netip.AddrPort{}, fmt.Errorf("[finder] all candidates failed: %w", lastErr)
}

// orderCandidates puts IPv6 candidates first when preferIPv6 is set,
// preserving relative order within each group.
func orderCandidates(candidates []netip.AddrPort, preferIPv6 bool) []netip.AddrPort {
	if !preferIPv6 {
		return candidates
	}
	ordered := make([]netip.AddrPort, 0, len(candidates))
	for _, c := range candidates {
		if c.Addr().Is6() {
			ordered = append(ordered, c)
		}
	}
	for _, c := range candidates {
		if !c.Addr().Is6() {
			ordered = append(ordered, c)
		}
	}
	return ordered
}
