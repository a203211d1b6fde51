package client

import (
	"net/netip"

	"vpntunnelcore/internal/core"
)

// packetInfo is the minimal parse of an outgoing IP packet the dispatch
// tests in spec.md §4.5 need. Callers (the real TUN reader) extract this
// from the raw packet's header; the logic here is transport-agnostic.
type packetInfo struct {
	raw         []byte
	src         netip.Addr
	dst         netip.Addr
	isIPv6      bool
	isMulticast bool
	protocol    Protocol
	dstPort     uint16
}

// Protocol identifies the IP payload's transport protocol for dispatch
// purposes (spec.md §4.5).
type Protocol int

const (
	ProtoTCP Protocol = iota
	ProtoUDP
	ProtoICMPEcho
	ProtoOther
)

// dispatchOutcome records what DispatchPacket decided to do, exposed for
// tests asserting the ordered rule list in spec.md §4.5.
type dispatchOutcome int

const (
	outcomeDrop dispatchOutcome = iota
	outcomeLocalTCP
	outcomeLocalUDPICMPProxy
	outcomeTunnel
)

// DispatchPacket implements the per-packet test list from spec.md §4.5,
// applied in the mandated order, and routes packet to the chosen path.
func (s *Session) DispatchPacket(pkt packetInfo) dispatchOutcome {
	s.OnTUNPacketWhileWaiting()

	// 1. Paused session, pause not yet elapsed: drop.
	if s.State() == core.SessionWaiting {
		return outcomeDrop
	}

	// 2. Multicast: drop.
	if pkt.isMulticast {
		return outcomeDrop
	}

	// 3. Internal catcher IPs used to loop TCP back to the local proxy host.
	if s.cfg.CatcherIPs != nil && (s.cfg.CatcherIPs(pkt.src) || s.cfg.CatcherIPs(pkt.dst)) {
		s.toLocalTCP(pkt.raw)
		return outcomeLocalTCP
	}

	inRange := s.inIncludeRange(pkt.dst)

	// 4. TCP + use_tcp_over_tun + in range: tunnel.
	if pkt.protocol == ProtoTCP && s.cfg.Env.UseTCPOverTun && inRange {
		s.toTunnel(pkt.raw)
		return outcomeTunnel
	}

	// 5. TCP, not in range: local proxy host.
	if pkt.protocol == ProtoTCP && !inRange {
		s.toLocalTCP(pkt.raw)
		return outcomeLocalTCP
	}

	// 6. IPv6 but server doesn't support it: drop.
	if pkt.isIPv6 && s.virtualIPv6 == (netip.Addr{}) {
		return outcomeDrop
	}

	// 7. ICMP echo: tunnel (can't use the local proxy).
	if pkt.protocol == ProtoICMPEcho {
		s.toTunnel(pkt.raw)
		return outcomeTunnel
	}

	// 8. Out of range and not ICMP echo: local UDP/ICMP proxy.
	if !inRange {
		s.toLocalUDPICMPProxy(pkt.raw)
		return outcomeLocalUDPICMPProxy
	}

	// 9. UDP and drop_udp: drop.
	if pkt.protocol == ProtoUDP && s.cfg.Env.DropUDP {
		return outcomeDrop
	}

	// 10. UDP to 80/443 and drop_quic: drop.
	if pkt.protocol == ProtoUDP && s.cfg.Env.DropQUIC && (pkt.dstPort == 80 || pkt.dstPort == 443) {
		return outcomeDrop
	}

	// 11. Else: tunnel.
	s.toTunnel(pkt.raw)
	return outcomeTunnel
}

// inIncludeRange consults the per-destination cache, flushed at 65,535
// entries per spec.md §4.5, §3.
func (s *Session) inIncludeRange(dst netip.Addr) bool {
	if s.includeRanges == nil {
		return false
	}
	return s.includeRanges.Contains(dst)
}

func (s *Session) toLocalTCP(packet []byte) {
	if s.cfg.LocalTCPHost != nil {
		s.cfg.LocalTCPHost(packet)
	}
}

func (s *Session) toLocalUDPICMPProxy(packet []byte) {
	if s.cfg.LocalUDPICMPProxy != nil {
		s.cfg.LocalUDPICMPProxy(packet)
	}
}

func (s *Session) toTunnel(packet []byte) {
	if s.tun != nil {
		s.tun.Send(packet)
	}
}
