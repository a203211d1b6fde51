// Package tunproxy provides a netstack-backed in-process substitute for a
// real OS TUN adapter (spec.md §1 places the TUN driver itself out of
// scope, but the end-to-end scenarios in spec.md §8 need *something* that
// behaves like one without requiring OS TUN permissions in a test
// environment). It wraps golang.zx2c4.com/wireguard's userspace
// tun/netstack package — the same gVisor-backed stack the teacher wraps
// amneziawg-go's fork of in internal/provider/wireguard/provider.go — and
// exposes it through the tunif.Device boundary.
//
// Unlike a real adapter, the wrapped netstack answers ICMP echo and plain
// TCP/UDP itself, which is exactly what spec.md §8 scenario 1 ("pings the
// server's virtual IPv4 address... expects an echo reply") exercises
// without a peer on the other end.
package tunproxy

import (
	"context"
	"fmt"
	"net/netip"

	"golang.zx2c4.com/wireguard/tun"
	"golang.zx2c4.com/wireguard/tun/netstack"

	"vpntunnelcore/internal/tunif"
)

// NetTUN adapts a netstack-backed tun.Device to tunif.Device. Writing a
// packet injects it into the stack (as if it arrived from the wire); the
// stack's own replies (ICMP echo, RST, etc.) come back out of ReadPacket.
type NetTUN struct {
	dev  tun.Device
	net  *netstack.Net
	mtu  int
	bufs [][]byte
	szs  []int
}

// New creates an in-process TUN substitute bound to localAddresses,
// answering DNS queries itself is not implemented; dnsServers is recorded
// only as metadata netstack exposes to dialing code (spec.md §3 Session
// dns_servers).
func New(localAddresses []netip.Addr, dnsServers []netip.Addr, mtu int) (*NetTUN, error) {
	dev, tnet, err := netstack.CreateNetTUN(localAddresses, dnsServers, mtu)
	if err != nil {
		return nil, fmt.Errorf("[tunproxy] create netstack TUN: %w", err)
	}
	batch := dev.BatchSize()
	if batch < 1 {
		batch = 1
	}
	bufs := make([][]byte, batch)
	for i := range bufs {
		bufs[i] = make([]byte, mtu+64)
	}
	return &NetTUN{
		dev:  dev,
		net:  tnet,
		mtu:  mtu,
		bufs: bufs,
		szs:  make([]int, batch),
	}, nil
}

// Net exposes the underlying netstack.Net for test code that wants to Dial
// into this stack directly (e.g. an end-to-end test driving a real TCP
// connection through the "server's" virtual IP).
func (n *NetTUN) Net() *netstack.Net { return n.net }

func (n *NetTUN) MTU() int { return n.mtu }

// ReadPacket returns the next outgoing IP packet the stack produced (a
// reply to something WritePacket injected, or traffic initiated via Net()).
func (n *NetTUN) ReadPacket(ctx context.Context) ([]byte, error) {
	type result struct {
		pkt []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		count, err := n.dev.Read(n.bufs, n.szs, 0)
		if err != nil || count == 0 {
			done <- result{err: err}
			return
		}
		pkt := append([]byte(nil), n.bufs[0][:n.szs[0]]...)
		done <- result{pkt: pkt}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("[tunproxy] read: %w", r.err)
		}
		return r.pkt, nil
	}
}

// WritePacket injects an inbound IP packet into the stack, as a real TUN
// adapter delivering a decrypted tunnel packet to the local network stack
// would (spec.md §2 reverse data flow).
func (n *NetTUN) WritePacket(ctx context.Context, packet []byte) error {
	_, err := n.dev.Write([][]byte{packet}, 0)
	if err != nil {
		return fmt.Errorf("[tunproxy] write: %w", err)
	}
	return nil
}

func (n *NetTUN) Close() error {
	return n.dev.Close()
}

var _ tunif.Device = (*NetTUN)(nil)
