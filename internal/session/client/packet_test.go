package client

import (
	"encoding/binary"
	"testing"
)

func buildIPv4TCP(dst [4]byte, dstPort uint16) []byte {
	raw := make([]byte, 24)
	raw[0] = 0x45 // version 4, IHL 5
	raw[9] = 6    // TCP
	copy(raw[12:16], []byte{10, 0, 0, 1})
	copy(raw[16:20], dst[:])
	binary.BigEndian.PutUint16(raw[20:22], 51000)
	binary.BigEndian.PutUint16(raw[22:24], dstPort)
	return raw
}

func buildIPv4ICMPEcho(dst [4]byte) []byte {
	raw := make([]byte, 28)
	raw[0] = 0x45
	raw[9] = 1 // ICMP
	copy(raw[12:16], []byte{10, 0, 0, 1})
	copy(raw[16:20], dst[:])
	raw[20] = 8 // echo request
	return raw
}

func TestParsePacketIPv4TCP(t *testing.T) {
	raw := buildIPv4TCP([4]byte{93, 184, 216, 34}, 443)
	pkt, ok := ParsePacket(raw)
	if !ok {
		t.Fatal("expected ok")
	}
	if pkt.protocol != ProtoTCP {
		t.Errorf("protocol = %v, want ProtoTCP", pkt.protocol)
	}
	if pkt.dstPort != 443 {
		t.Errorf("dstPort = %d, want 443", pkt.dstPort)
	}
	if pkt.isIPv6 {
		t.Error("isIPv6 = true for an IPv4 packet")
	}
}

func TestParsePacketIPv4Multicast(t *testing.T) {
	raw := buildIPv4TCP([4]byte{224, 0, 0, 1}, 80)
	pkt, ok := ParsePacket(raw)
	if !ok {
		t.Fatal("expected ok")
	}
	if !pkt.isMulticast {
		t.Error("expected 224.0.0.1 to be detected as multicast")
	}
}

func TestParsePacketICMPEcho(t *testing.T) {
	raw := buildIPv4ICMPEcho([4]byte{8, 8, 8, 8})
	pkt, ok := ParsePacket(raw)
	if !ok {
		t.Fatal("expected ok")
	}
	if pkt.protocol != ProtoICMPEcho {
		t.Errorf("protocol = %v, want ProtoICMPEcho", pkt.protocol)
	}
}

func TestParsePacketTooShort(t *testing.T) {
	if _, ok := ParsePacket([]byte{0x45, 0x00}); ok {
		t.Error("expected ok=false for a truncated packet")
	}
}

func TestParsePacketUnknownVersion(t *testing.T) {
	raw := make([]byte, 20)
	raw[0] = 0x55 // version 5, not a real IP version
	if _, ok := ParsePacket(raw); ok {
		t.Error("expected ok=false for an unrecognized IP version")
	}
}
