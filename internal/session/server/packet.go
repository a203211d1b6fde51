package server

import (
	"encoding/binary"
	"net/netip"
)

// Protocol identifies the IP payload's transport protocol for server-side
// dispatch (spec.md §4.6), mirroring internal/session/client's Protocol.
type Protocol int

const (
	ProtoTCP Protocol = iota
	ProtoUDP
	ProtoICMPEcho
	ProtoOther
)

// Packet is the minimal parse of an inbound tunneled IP packet the server
// dispatch tests need (spec.md §4.6). Grounded on the teacher's in-place
// IPv4/IPv6 header field access in internal/core/packet_router.go, reduced
// to read-only field extraction since the server never rewrites headers in
// place the way the split-tunnel NAT does.
type Packet struct {
	Raw        []byte
	Src        netip.Addr
	Dst        netip.Addr
	Protocol   Protocol
	SrcPort    uint16
	DstPort    uint16
	ICMPEchoID uint16
	ICMPSeq    uint16
	Payload    []byte
}

const (
	ipProtoICMP   = 1
	ipProtoTCP    = 6
	ipProtoUDP    = 17
	ipProtoICMPv6 = 58
	icmpEchoRequest   = 8
	icmpv6EchoRequest = 128
)

// ParsePacket extracts the fields DispatchTunneledPacket needs from a raw
// IPv4 or IPv6 packet. It returns ok=false for anything too short or
// malformed to be a real IP packet, which the caller treats as a net-filter
// drop.
func ParsePacket(raw []byte) (Packet, bool) {
	if len(raw) < 1 {
		return Packet{}, false
	}
	version := raw[0] >> 4
	switch version {
	case 4:
		return parseIPv4(raw)
	case 6:
		return parseIPv6(raw)
	default:
		return Packet{}, false
	}
}

func parseIPv4(raw []byte) (Packet, bool) {
	if len(raw) < 20 {
		return Packet{}, false
	}
	ihl := int(raw[0]&0x0f) * 4
	if ihl < 20 || len(raw) < ihl {
		return Packet{}, false
	}
	proto := raw[9]
	src := netip.AddrFrom4([4]byte(raw[12:16]))
	dst := netip.AddrFrom4([4]byte(raw[16:20]))
	body := raw[ihl:]

	pkt := Packet{Raw: raw, Src: src, Dst: dst, Payload: body}
	switch proto {
	case ipProtoTCP:
		pkt.Protocol = ProtoTCP
		if len(body) >= 4 {
			pkt.SrcPort = binary.BigEndian.Uint16(body[0:2])
			pkt.DstPort = binary.BigEndian.Uint16(body[2:4])
		}
	case ipProtoUDP:
		pkt.Protocol = ProtoUDP
		if len(body) >= 4 {
			pkt.SrcPort = binary.BigEndian.Uint16(body[0:2])
			pkt.DstPort = binary.BigEndian.Uint16(body[2:4])
		}
		if len(body) >= 8 {
			pkt.Payload = body[8:]
		}
	case ipProtoICMP:
		if len(body) >= 1 && body[0] == icmpEchoRequest {
			pkt.Protocol = ProtoICMPEcho
			if len(body) >= 8 {
				pkt.ICMPEchoID = binary.BigEndian.Uint16(body[4:6])
				pkt.ICMPSeq = binary.BigEndian.Uint16(body[6:8])
				pkt.Payload = body[8:]
			}
		} else {
			pkt.Protocol = ProtoOther
		}
	default:
		pkt.Protocol = ProtoOther
	}
	return pkt, true
}

// buildIPv4UDP frames a UDP payload read back from a ProxyPool flow's
// outbound socket as a full IPv4 packet addressed to the client (spec.md
// §2, §4.7 "returns replies"). The UDP checksum is left at 0, which RFC
// 768 defines as "no checksum computed" for IPv4.
func buildIPv4UDP(src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := 8 + len(payload)
	pkt := make([]byte, 20+udpLen)

	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(pkt)))
	pkt[8] = 64
	pkt[9] = ipProtoUDP
	srcBytes := src.As4()
	dstBytes := dst.As4()
	copy(pkt[12:16], srcBytes[:])
	copy(pkt[16:20], dstBytes[:])
	binary.BigEndian.PutUint16(pkt[10:12], ipv4HeaderChecksum(pkt[:20]))

	udp := pkt[20:]
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	copy(udp[8:], payload)

	return pkt
}

// buildIPv4ICMP frames a raw ICMP message (already a complete, correctly
// checksummed echo reply read back from the ProxyPool's ICMP sub-pool) as
// a full IPv4 packet addressed to the client (spec.md §2, §4.7).
func buildIPv4ICMP(src, dst netip.Addr, icmpMsg []byte) []byte {
	pkt := make([]byte, 20+len(icmpMsg))

	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(pkt)))
	pkt[8] = 64
	pkt[9] = ipProtoICMP
	srcBytes := src.As4()
	dstBytes := dst.As4()
	copy(pkt[12:16], srcBytes[:])
	copy(pkt[16:20], dstBytes[:])
	binary.BigEndian.PutUint16(pkt[10:12], ipv4HeaderChecksum(pkt[:20]))
	copy(pkt[20:], icmpMsg)

	return pkt
}

// ipv4HeaderChecksum computes the standard one's-complement IPv4 header
// checksum. header must have its checksum field still zeroed.
func ipv4HeaderChecksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(header[i : i+2]))
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

func parseIPv6(raw []byte) (Packet, bool) {
	if len(raw) < 40 {
		return Packet{}, false
	}
	nextHeader := raw[6]
	src := netip.AddrFrom16([16]byte(raw[8:24])).Unmap()
	dst := netip.AddrFrom16([16]byte(raw[24:40])).Unmap()
	body := raw[40:]

	pkt := Packet{Raw: raw, Src: src, Dst: dst, Payload: body}
	switch nextHeader {
	case ipProtoTCP:
		pkt.Protocol = ProtoTCP
		if len(body) >= 4 {
			pkt.SrcPort = binary.BigEndian.Uint16(body[0:2])
			pkt.DstPort = binary.BigEndian.Uint16(body[2:4])
		}
	case ipProtoUDP:
		pkt.Protocol = ProtoUDP
		if len(body) >= 4 {
			pkt.SrcPort = binary.BigEndian.Uint16(body[0:2])
			pkt.DstPort = binary.BigEndian.Uint16(body[2:4])
		}
		if len(body) >= 8 {
			pkt.Payload = body[8:]
		}
	case ipProtoICMPv6:
		if len(body) >= 1 && body[0] == icmpv6EchoRequest {
			pkt.Protocol = ProtoICMPEcho
			if len(body) >= 8 {
				pkt.ICMPEchoID = binary.BigEndian.Uint16(body[4:6])
				pkt.ICMPSeq = binary.BigEndian.Uint16(body[6:8])
				pkt.Payload = body[8:]
			}
		} else {
			pkt.Protocol = ProtoOther
		}
	default:
		pkt.Protocol = ProtoOther
	}
	return pkt, true
}
