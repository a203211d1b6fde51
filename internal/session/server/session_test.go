package server

import (
	"net/netip"
	"testing"

	"vpntunnelcore/internal/core"
)

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	v4 := netip.MustParseAddr("10.255.0.2")
	return New(cfg, 1, [16]byte{1}, "tok", [16]byte{}, [16]byte{}, v4, netip.Addr{}, 1400, 8)
}

func TestDispatchTunneledPacketRejectsSpoofedSource(t *testing.T) {
	s := newTestSession(t, Config{HasTUNv4: true})
	raw := buildTestIPv4UDP([4]byte{9, 9, 9, 9}, [4]byte{8, 8, 8, 8}, 1, 2, nil)
	pkt, ok := ParsePacket(raw)
	if !ok {
		t.Fatal("expected a valid parse")
	}
	if outcome := s.DispatchTunneledPacket(pkt); outcome != OutcomeSpoofedSource {
		t.Fatalf("outcome = %v, want OutcomeSpoofedSource", outcome)
	}
}

func TestDispatchTunneledPacketEnforcesIncludeRanges(t *testing.T) {
	s := newTestSession(t, Config{HasTUNv4: true, IncludeIPRanges: []string{"8.8.0.0/16"}})
	raw := buildTestIPv4UDP([4]byte{10, 255, 0, 2}, [4]byte{1, 1, 1, 1}, 1, 2, nil)
	pkt, ok := ParsePacket(raw)
	if !ok {
		t.Fatal("expected a valid parse")
	}
	if outcome := s.DispatchTunneledPacket(pkt); outcome != OutcomeNetFiltered {
		t.Fatalf("outcome = %v, want OutcomeNetFiltered", outcome)
	}
}

func TestDispatchTunneledPacketDeliversToLocalTUN(t *testing.T) {
	var delivered []byte
	s := newTestSession(t, Config{
		HasTUNv4: true,
		ToTUN:    func(packet []byte) { delivered = packet },
	})
	raw := buildTestIPv4UDP([4]byte{10, 255, 0, 2}, [4]byte{8, 8, 8, 8}, 1, 2, []byte("x"))
	pkt, ok := ParsePacket(raw)
	if !ok {
		t.Fatal("expected a valid parse")
	}
	if outcome := s.DispatchTunneledPacket(pkt); outcome != OutcomeAccepted {
		t.Fatalf("outcome = %v, want OutcomeAccepted", outcome)
	}
	if len(delivered) != len(raw) {
		t.Fatalf("expected the raw packet to reach ToTUN, got %d bytes", len(delivered))
	}
}

func TestSessionReserveTCPChannelEnforcesLimit(t *testing.T) {
	s := newTestSession(t, Config{MaxTCPChannelCount: 1})
	if code := s.ReserveTCPChannel(); code != core.ErrOK {
		t.Fatalf("first reservation should succeed, got %v", code)
	}
	if code := s.ReserveTCPChannel(); code == core.ErrOK {
		t.Fatal("second reservation should fail once the limit is reached")
	}
	s.ReleaseTCPChannel()
	if code := s.ReserveTCPChannel(); code != core.ErrOK {
		t.Fatalf("reservation after release should succeed, got %v", code)
	}
}

func TestSessionDisposeIsIdempotent(t *testing.T) {
	s := newTestSession(t, Config{})
	s.Dispose()
	s.Dispose()
	select {
	case <-s.Done():
	default:
		t.Fatal("expected Done() to be closed after Dispose")
	}
}
