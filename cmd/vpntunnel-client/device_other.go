//go:build !windows

package main

import (
	"net/netip"

	"vpntunnelcore/internal/tunif"
	"vpntunnelcore/internal/tunproxy"
)

// openTUNDevice opens a netstack-backed in-process substitute for a real
// OS TUN adapter (spec.md §1 places the adapter driver itself out of
// scope). It needs no elevated privileges, which is the point: this is
// the binding used wherever a platform-specific adapter hasn't been
// wired in.
func openTUNDevice(name string, mtu int) (tunif.Device, error) {
	return tunproxy.New([]netip.Addr{netip.MustParseAddr("10.255.0.2")}, nil, mtu)
}
