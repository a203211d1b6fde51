//go:build !windows

package tunif

import "fmt"

// NewWintunDevice is unavailable on non-Windows builds; production use of
// the real OS TUN adapter is out of scope for this module (spec.md §1) and
// this stub exists only so the call site compiles on every platform.
func NewWintunDevice(name, tunnelType string, guid any, mtu int) (Device, error) {
	return nil, fmt.Errorf("[tunif] wintun is only available on windows")
}
