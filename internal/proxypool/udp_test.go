package proxypool

import (
	"net"
	"net/netip"
	"testing"
	"time"
)

func TestUDPSubPoolReusesExistingFlow(t *testing.T) {
	// A throwaway listener gives us a real, immediately-reachable UDP
	// destination to dial without touching the public Internet in tests.
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer listener.Close()
	dst := listener.LocalAddr().(*net.UDPAddr).AddrPort()

	p := NewUDPSubPool(0, time.Minute)
	defer p.Close()

	key := UDPFlowKey{
		SrcAddr: netip.MustParseAddr("10.255.0.2"),
		SrcPort: 5000,
		DstAddr: dst.Addr(),
		DstPort: dst.Port(),
	}

	conn1, ok, err := p.Get(1, key)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	conn2, ok, err := p.Get(1, key)
	if err != nil || !ok {
		t.Fatalf("Get (second): ok=%v err=%v", ok, err)
	}
	if conn1 != conn2 {
		t.Fatal("expected the same flow to reuse its outbound socket")
	}
	if p.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", p.Count())
	}
}

func TestUDPSubPoolRejectsViaCallback(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer listener.Close()
	dst := listener.LocalAddr().(*net.UDPAddr).AddrPort()

	p := NewUDPSubPool(0, time.Minute)
	p.OnNewConn = func(sessionID uint64, dst netip.AddrPort) bool { return false }
	defer p.Close()

	key := UDPFlowKey{SrcAddr: netip.MustParseAddr("10.255.0.2"), SrcPort: 1, DstAddr: dst.Addr(), DstPort: dst.Port()}
	_, ok, err := p.Get(1, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected the rejecting callback to prevent a new flow")
	}
}

func TestUDPSubPoolEvictsLRUAtCap(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer listener.Close()
	dst := listener.LocalAddr().(*net.UDPAddr).AddrPort()

	p := NewUDPSubPool(1, time.Minute)
	defer p.Close()

	key1 := UDPFlowKey{SrcAddr: netip.MustParseAddr("10.255.0.2"), SrcPort: 1, DstAddr: dst.Addr(), DstPort: dst.Port()}
	key2 := UDPFlowKey{SrcAddr: netip.MustParseAddr("10.255.0.3"), SrcPort: 2, DstAddr: dst.Addr(), DstPort: dst.Port()}

	if _, ok, err := p.Get(1, key1); err != nil || !ok {
		t.Fatalf("Get key1: ok=%v err=%v", ok, err)
	}
	if _, ok, err := p.Get(1, key2); err != nil || !ok {
		t.Fatalf("Get key2: ok=%v err=%v", ok, err)
	}
	if p.Count() != 1 {
		t.Fatalf("Count() = %d, want 1 after evicting at cap", p.Count())
	}
}
