// Package proxypool implements the server-side NAT pool described in
// spec.md §4.7: a pool of UDP sockets and ICMP echo handles mapping a
// client's virtual 5-tuple to an ephemeral outbound endpoint on the
// server's public interface. It is grounded on the teacher's NAT map
// (internal/core/packet_router.go's natKey/UDPNATEntry + udpNATCleanup
// ticker) and on telepresenceio-telepresence's connpool.Pool
// (map[ID]Handler with a release callback that deletes the entry).
package proxypool

import "net/netip"

// UDPFlowKey identifies one client UDP flow by its virtual-side 5-tuple
// (spec.md §4.7 "mapping client 5-tuples to ephemeral outbound endpoints").
type UDPFlowKey struct {
	SrcAddr netip.Addr
	SrcPort uint16
	DstAddr netip.Addr
	DstPort uint16
}

// ICMPFlowKey identifies one client ICMP echo flow. ICMP has no ports, so
// the echo identifier field takes their place.
type ICMPFlowKey struct {
	SrcAddr netip.Addr
	DstAddr netip.Addr
	EchoID  uint16
}

// NewConnCallback is invoked for every flow that doesn't already have a
// mapping, before the outbound socket is opened, letting the server's
// NetScan detector rate-limit unique destinations per session (spec.md
// §4.6 Limits per session, §4.7 "callbacks announce new connection
// requests").
type NewConnCallback func(sessionID uint64, dst netip.AddrPort) bool

// EstablishedCallback is invoked once an outbound mapping is created, for
// tracking/logging (spec.md §4.7 "established mappings (for tracking
// logs)").
type EstablishedCallback func(sessionID uint64, dst netip.AddrPort)

// UDPReplyCallback is invoked with each datagram a UDP flow's outbound
// socket reads back from the public Internet, so the caller can frame it
// as an IP packet and hand it to the owning session's Tunnel (spec.md §2
// "returns replies", §4.7).
type UDPReplyCallback func(sessionID uint64, key UDPFlowKey, payload []byte)

// ICMPReplyCallback is the ICMP-echo equivalent of UDPReplyCallback.
type ICMPReplyCallback func(sessionID uint64, key ICMPFlowKey, payload []byte)
