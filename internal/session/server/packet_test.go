package server

import (
	"encoding/binary"
	"testing"
)

func buildTestIPv4UDP(src, dst [4]byte, srcPort, dstPort uint16, payload []byte) []byte {
	udp := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(len(udp)))
	copy(udp[8:], payload)

	raw := make([]byte, 20+len(udp))
	raw[0] = 0x45
	raw[9] = ipProtoUDP
	copy(raw[12:16], src[:])
	copy(raw[16:20], dst[:])
	copy(raw[20:], udp)
	return raw
}

func buildIPv4ICMPEcho(src, dst [4]byte, id, seq uint16, payload []byte) []byte {
	icmp := make([]byte, 8+len(payload))
	icmp[0] = icmpEchoRequest
	binary.BigEndian.PutUint16(icmp[4:6], id)
	binary.BigEndian.PutUint16(icmp[6:8], seq)
	copy(icmp[8:], payload)

	raw := make([]byte, 20+len(icmp))
	raw[0] = 0x45
	raw[9] = ipProtoICMP
	copy(raw[12:16], src[:])
	copy(raw[16:20], dst[:])
	copy(raw[20:], icmp)
	return raw
}

func TestParsePacketUDP(t *testing.T) {
	raw := buildTestIPv4UDP([4]byte{10, 0, 0, 2}, [4]byte{8, 8, 8, 8}, 5000, 53, []byte("hello"))
	pkt, ok := ParsePacket(raw)
	if !ok {
		t.Fatal("expected a valid parse")
	}
	if pkt.Protocol != ProtoUDP {
		t.Fatalf("Protocol = %v, want ProtoUDP", pkt.Protocol)
	}
	if pkt.SrcPort != 5000 || pkt.DstPort != 53 {
		t.Fatalf("ports = %d/%d, want 5000/53", pkt.SrcPort, pkt.DstPort)
	}
	if string(pkt.Payload) != "hello" {
		t.Fatalf("Payload = %q, want %q", pkt.Payload, "hello")
	}
	if pkt.Src.String() != "10.0.0.2" || pkt.Dst.String() != "8.8.8.8" {
		t.Fatalf("src/dst = %s/%s", pkt.Src, pkt.Dst)
	}
}

func TestParsePacketICMPEcho(t *testing.T) {
	raw := buildIPv4ICMPEcho([4]byte{10, 0, 0, 2}, [4]byte{1, 1, 1, 1}, 42, 7, []byte("ping"))
	pkt, ok := ParsePacket(raw)
	if !ok {
		t.Fatal("expected a valid parse")
	}
	if pkt.Protocol != ProtoICMPEcho {
		t.Fatalf("Protocol = %v, want ProtoICMPEcho", pkt.Protocol)
	}
	if pkt.ICMPEchoID != 42 || pkt.ICMPSeq != 7 {
		t.Fatalf("echo id/seq = %d/%d, want 42/7", pkt.ICMPEchoID, pkt.ICMPSeq)
	}
	if string(pkt.Payload) != "ping" {
		t.Fatalf("Payload = %q, want %q", pkt.Payload, "ping")
	}
}

func TestParsePacketRejectsTooShort(t *testing.T) {
	if _, ok := ParsePacket([]byte{0x45, 0x00}); ok {
		t.Fatal("expected a too-short packet to fail to parse")
	}
}

func TestParsePacketRejectsUnknownVersion(t *testing.T) {
	raw := make([]byte, 20)
	raw[0] = 0x55 // version 5
	if _, ok := ParsePacket(raw); ok {
		t.Fatal("expected an unknown IP version to fail to parse")
	}
}
