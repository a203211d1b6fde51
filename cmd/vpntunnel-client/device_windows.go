//go:build windows

package main

import (
	"vpntunnelcore/internal/tunif"
)

// openTUNDevice opens the real Windows WinTUN adapter (spec.md §1 TUN
// adapter boundary; the production binding itself is out of scope, this
// call site just wires the one platform implementation the module ships).
func openTUNDevice(name string, mtu int) (tunif.Device, error) {
	return tunif.NewWintunDevice(name, "VPN Tunnel Core", nil, mtu)
}
