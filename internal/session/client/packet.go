package client

import (
	"encoding/binary"
	"net/netip"
)

const (
	ipProtoICMP       = 1
	ipProtoTCP        = 6
	ipProtoUDP        = 17
	ipProtoICMPv6     = 58
	icmpEchoRequest   = 8
	icmpv6EchoRequest = 128
)

// ParsePacket extracts the fields DispatchRawPacket needs from a raw IPv4
// or IPv6 packet read off the local TUN adapter (spec.md §4.5 dispatch),
// mirroring the server's server.ParsePacket on the opposite end of the
// tunnel. It returns ok=false for anything too short or malformed to be a
// real IP packet.
func ParsePacket(raw []byte) (pkt packetInfo, ok bool) {
	if len(raw) < 1 {
		return packetInfo{}, false
	}
	version := raw[0] >> 4
	switch version {
	case 4:
		return parsePacketV4(raw)
	case 6:
		return parsePacketV6(raw)
	default:
		return packetInfo{}, false
	}
}

func parsePacketV4(raw []byte) (packetInfo, bool) {
	if len(raw) < 20 {
		return packetInfo{}, false
	}
	ihl := int(raw[0]&0x0f) * 4
	if ihl < 20 || len(raw) < ihl {
		return packetInfo{}, false
	}
	proto := raw[9]
	src := netip.AddrFrom4([4]byte(raw[12:16]))
	dst := netip.AddrFrom4([4]byte(raw[16:20]))
	body := raw[ihl:]

	pkt := packetInfo{raw: raw, src: src, dst: dst, isMulticast: dst.IsMulticast()}
	switch proto {
	case ipProtoTCP:
		pkt.protocol = ProtoTCP
		if len(body) >= 4 {
			pkt.dstPort = binary.BigEndian.Uint16(body[2:4])
		}
	case ipProtoUDP:
		pkt.protocol = ProtoUDP
		if len(body) >= 4 {
			pkt.dstPort = binary.BigEndian.Uint16(body[2:4])
		}
	case ipProtoICMP:
		if len(body) >= 1 && body[0] == icmpEchoRequest {
			pkt.protocol = ProtoICMPEcho
		} else {
			pkt.protocol = ProtoOther
		}
	default:
		pkt.protocol = ProtoOther
	}
	return pkt, true
}

func parsePacketV6(raw []byte) (packetInfo, bool) {
	if len(raw) < 40 {
		return packetInfo{}, false
	}
	nextHeader := raw[6]
	src := netip.AddrFrom16([16]byte(raw[8:24])).Unmap()
	dst := netip.AddrFrom16([16]byte(raw[24:40])).Unmap()
	body := raw[40:]

	pkt := packetInfo{raw: raw, src: src, dst: dst, isIPv6: true, isMulticast: dst.IsMulticast()}
	switch nextHeader {
	case ipProtoTCP:
		pkt.protocol = ProtoTCP
		if len(body) >= 4 {
			pkt.dstPort = binary.BigEndian.Uint16(body[2:4])
		}
	case ipProtoUDP:
		pkt.protocol = ProtoUDP
		if len(body) >= 4 {
			pkt.dstPort = binary.BigEndian.Uint16(body[2:4])
		}
	case ipProtoICMPv6:
		if len(body) >= 1 && body[0] == icmpv6EchoRequest {
			pkt.protocol = ProtoICMPEcho
		} else {
			pkt.protocol = ProtoOther
		}
	default:
		pkt.protocol = ProtoOther
	}
	return pkt, true
}

// DispatchRawPacket parses raw and runs it through DispatchPacket, for
// callers (the real TUN read loop) outside this package that only have the
// raw bytes. It is a no-op on unparseable input.
func (s *Session) DispatchRawPacket(raw []byte) {
	pkt, ok := ParsePacket(raw)
	if !ok {
		return
	}
	s.DispatchPacket(pkt)
}
