package server

import (
	"net/netip"
	"testing"
)

func TestIPAllocatorAssignsDistinctAddresses(t *testing.T) {
	a := NewIPAllocator(netip.MustParseAddr("10.255.0.0"), 250, netip.Addr{})

	v4a, _, err := a.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate(1): %v", err)
	}
	v4b, _, err := a.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate(2): %v", err)
	}
	if v4a == v4b {
		t.Fatalf("expected distinct addresses, got %s twice", v4a)
	}
}

func TestIPAllocatorReleaseReusesAddress(t *testing.T) {
	a := NewIPAllocator(netip.MustParseAddr("10.255.0.0"), 250, netip.Addr{})

	v4, _, err := a.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a.Release(v4)

	v4b, _, err := a.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	if v4b != v4 {
		t.Fatalf("expected the released address %s to be reused, got %s", v4, v4b)
	}
}

func TestIPAllocatorSkipsIPv6WhenUnconfigured(t *testing.T) {
	a := NewIPAllocator(netip.MustParseAddr("10.255.0.0"), 250, netip.Addr{})
	_, v6, err := a.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if v6.IsValid() {
		t.Fatalf("expected no IPv6 address when v6Base is unset, got %s", v6)
	}
}
