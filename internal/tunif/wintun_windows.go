//go:build windows

package tunif

import (
	"context"
	"fmt"

	"golang.org/x/sys/windows"
	"golang.zx2c4.com/wintun"
)

const ringCapacity = 0x400000 // 4 MiB ring buffer

// WintunDevice is the production Windows TUN binding (out of scope per
// spec.md §1; named here only at the interface boundary), grounded
// directly on the teacher's internal/gateway/adapter.go Adapter.
type WintunDevice struct {
	wt       *wintun.Adapter
	session  wintun.Session
	readWait windows.Handle
	mtu      int
}

// NewWintunDevice creates a named WinTUN adapter with the given GUID and
// assigns no IP configuration of its own; callers apply IP/DNS/routes the
// way the teacher's gateway package does, outside this package's scope.
func NewWintunDevice(name, tunnelType string, guid *windows.GUID, mtu int) (Device, error) {
	wt, err := wintun.CreateAdapter(name, tunnelType, guid)
	if err != nil {
		return nil, fmt.Errorf("[tunif] create adapter: %w", err)
	}
	session, err := wt.StartSession(ringCapacity)
	if err != nil {
		wt.Close()
		return nil, fmt.Errorf("[tunif] start session: %w", err)
	}
	return &WintunDevice{
		wt:       wt,
		session:  session,
		readWait: session.ReadWaitEvent(),
		mtu:      mtu,
	}, nil
}

func (d *WintunDevice) MTU() int { return d.mtu }

// ReadPacket blocks until a packet is available, ctx is done, or the
// session ends (spec.md §1 TUN adapter boundary).
func (d *WintunDevice) ReadPacket(ctx context.Context) ([]byte, error) {
	for {
		pkt, err := d.session.ReceivePacket()
		if err == nil {
			out := append([]byte(nil), pkt...)
			d.session.ReleaseReceivePacket(pkt)
			return out, nil
		}
		if errno, ok := err.(windows.Errno); ok && errno == windows.ERROR_NO_MORE_ITEMS {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			r, _ := windows.WaitForSingleObject(d.readWait, 250)
			if r != windows.WAIT_OBJECT_0 {
				continue
			}
			continue
		}
		return nil, fmt.Errorf("[tunif] receive: %w", err)
	}
}

func (d *WintunDevice) WritePacket(ctx context.Context, packet []byte) error {
	buf, err := d.session.AllocateSendPacket(len(packet))
	if err != nil {
		return fmt.Errorf("[tunif] allocate send packet: %w", err)
	}
	copy(buf, packet)
	d.session.SendPacket(buf)
	return nil
}

func (d *WintunDevice) Close() error {
	d.session.End()
	d.wt.Close()
	return nil
}
