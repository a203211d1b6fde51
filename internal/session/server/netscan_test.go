package server

import (
	"net/netip"
	"testing"
	"time"
)

func mustAddrPort(s string) netip.AddrPort {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		panic(err)
	}
	return ap
}

func TestNetScanAllowsUpToLimit(t *testing.T) {
	ns := NewNetScan(2, time.Minute)
	if !ns.Allow(mustAddrPort("1.1.1.1:80")) {
		t.Fatal("expected first destination to be allowed")
	}
	if !ns.Allow(mustAddrPort("2.2.2.2:80")) {
		t.Fatal("expected second destination to be allowed")
	}
	if ns.Allow(mustAddrPort("3.3.3.3:80")) {
		t.Fatal("expected third unique destination to exceed the limit")
	}
}

func TestNetScanReusesKnownDestination(t *testing.T) {
	ns := NewNetScan(1, time.Minute)
	dst := mustAddrPort("1.1.1.1:80")
	if !ns.Allow(dst) {
		t.Fatal("expected first use to be allowed")
	}
	if !ns.Allow(dst) {
		t.Fatal("expected repeat use of the same destination to be allowed")
	}
	if ns.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", ns.Count())
	}
}

func TestNetScanExpiresOldEntries(t *testing.T) {
	ns := NewNetScan(1, 10*time.Millisecond)
	ns.Allow(mustAddrPort("1.1.1.1:80"))
	time.Sleep(20 * time.Millisecond)
	if !ns.Allow(mustAddrPort("2.2.2.2:80")) {
		t.Fatal("expected the expired entry to free up budget for a new destination")
	}
}

func TestNetScanDisabledWhenLimitZero(t *testing.T) {
	ns := NewNetScan(0, time.Minute)
	hosts := []string{"1.1.1.1:80", "2.2.2.2:80", "3.3.3.3:80"}
	for _, h := range hosts {
		if !ns.Allow(mustAddrPort(h)) {
			t.Fatal("expected a non-positive limit to disable the detector")
		}
	}
}
