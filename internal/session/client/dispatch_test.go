package client

import (
	"net/netip"
	"testing"
	"time"

	"vpntunnelcore/internal/core"
	"vpntunnelcore/internal/iprange"
)

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	return New(cfg, Token{ID: "t1"}, nil)
}

func udpPacket(t *testing.T, dst string, dstPort uint16) packetInfo {
	t.Helper()
	d := netip.MustParseAddr(dst)
	return packetInfo{raw: []byte("udp"), dst: d, protocol: ProtoUDP, dstPort: dstPort}
}

func TestDispatchPacketWaitingDrops(t *testing.T) {
	s := newTestSession(t, Config{AutoWaitTimeout: time.Minute})
	s.setState(core.SessionWaiting)
	s.waitStartedAt = time.Now()
	if out := s.DispatchPacket(packetInfo{dst: netip.MustParseAddr("1.1.1.1")}); out != outcomeDrop {
		t.Errorf("outcome = %v, want outcomeDrop", out)
	}
}

func TestDispatchPacketMulticastDrops(t *testing.T) {
	s := newTestSession(t, Config{})
	pkt := packetInfo{dst: netip.MustParseAddr("224.0.0.1"), isMulticast: true}
	if out := s.DispatchPacket(pkt); out != outcomeDrop {
		t.Errorf("outcome = %v, want outcomeDrop", out)
	}
}

func TestDispatchPacketCatcherIPGoesLocalTCP(t *testing.T) {
	var got []byte
	s := newTestSession(t, Config{
		CatcherIPs: func(a netip.Addr) bool { return a == netip.MustParseAddr("10.0.0.5") },
		LocalTCPHost: func(packet []byte) { got = packet },
	})
	pkt := packetInfo{raw: []byte("hi"), dst: netip.MustParseAddr("10.0.0.5"), protocol: ProtoTCP}
	if out := s.DispatchPacket(pkt); out != outcomeLocalTCP {
		t.Errorf("outcome = %v, want outcomeLocalTCP", out)
	}
	if string(got) != "hi" {
		t.Errorf("LocalTCPHost got %q, want %q", got, "hi")
	}
}

func TestDispatchPacketTCPInRangeOverTunnels(t *testing.T) {
	filter, err := iprange.New([]string{"93.184.0.0/16"})
	if err != nil {
		t.Fatal(err)
	}
	s := newTestSession(t, Config{Env: core.EnvConfig{UseTCPOverTun: true}})
	s.includeRanges = filter
	pkt := packetInfo{dst: netip.MustParseAddr("93.184.216.34"), protocol: ProtoTCP}
	if out := s.DispatchPacket(pkt); out != outcomeTunnel {
		t.Errorf("outcome = %v, want outcomeTunnel", out)
	}
}

func TestDispatchPacketTCPOutOfRangeGoesLocal(t *testing.T) {
	s := newTestSession(t, Config{})
	pkt := packetInfo{dst: netip.MustParseAddr("93.184.216.34"), protocol: ProtoTCP}
	if out := s.DispatchPacket(pkt); out != outcomeLocalTCP {
		t.Errorf("outcome = %v, want outcomeLocalTCP", out)
	}
}

func TestDispatchPacketIPv6UnsupportedDrops(t *testing.T) {
	s := newTestSession(t, Config{})
	pkt := packetInfo{dst: netip.MustParseAddr("2001:db8::1"), isIPv6: true, protocol: ProtoTCP}
	// Out of range TCP goes local before the IPv6-without-support drop is
	// reached, so force it in range instead.
	filter, err := iprange.New([]string{"2001:db8::/32"})
	if err != nil {
		t.Fatal(err)
	}
	s.includeRanges = filter
	if out := s.DispatchPacket(pkt); out != outcomeDrop {
		t.Errorf("outcome = %v, want outcomeDrop", out)
	}
}

func TestDispatchPacketICMPEchoTunnels(t *testing.T) {
	s := newTestSession(t, Config{})
	pkt := packetInfo{dst: netip.MustParseAddr("8.8.8.8"), protocol: ProtoICMPEcho}
	if out := s.DispatchPacket(pkt); out != outcomeTunnel {
		t.Errorf("outcome = %v, want outcomeTunnel", out)
	}
}

func TestDispatchPacketOutOfRangeUDPGoesLocalProxy(t *testing.T) {
	s := newTestSession(t, Config{})
	pkt := udpPacket(t, "8.8.8.8", 53)
	if out := s.DispatchPacket(pkt); out != outcomeLocalUDPICMPProxy {
		t.Errorf("outcome = %v, want outcomeLocalUDPICMPProxy", out)
	}
}

func TestDispatchPacketInRangeUDPDropUDP(t *testing.T) {
	filter, err := iprange.New([]string{"8.8.8.0/24"})
	if err != nil {
		t.Fatal(err)
	}
	s := newTestSession(t, Config{Env: core.EnvConfig{DropUDP: true}})
	s.includeRanges = filter
	pkt := udpPacket(t, "8.8.8.8", 53)
	if out := s.DispatchPacket(pkt); out != outcomeDrop {
		t.Errorf("outcome = %v, want outcomeDrop", out)
	}
}

func TestDispatchPacketInRangeQUICDropQUIC(t *testing.T) {
	filter, err := iprange.New([]string{"8.8.8.0/24"})
	if err != nil {
		t.Fatal(err)
	}
	s := newTestSession(t, Config{Env: core.EnvConfig{DropQUIC: true}})
	s.includeRanges = filter
	pkt := udpPacket(t, "8.8.8.8", 443)
	if out := s.DispatchPacket(pkt); out != outcomeDrop {
		t.Errorf("outcome = %v, want outcomeDrop", out)
	}
}

func TestDispatchPacketInRangeUDPTunnels(t *testing.T) {
	filter, err := iprange.New([]string{"8.8.8.0/24"})
	if err != nil {
		t.Fatal(err)
	}
	s := newTestSession(t, Config{})
	s.includeRanges = filter
	pkt := udpPacket(t, "8.8.8.8", 12345)
	if out := s.DispatchPacket(pkt); out != outcomeTunnel {
		t.Errorf("outcome = %v, want outcomeTunnel", out)
	}
}
