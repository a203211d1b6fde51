package tunproxy

import (
	"context"
	"net/netip"
	"testing"
	"time"
)

func TestNewAndClose(t *testing.T) {
	n, err := New([]netip.Addr{netip.MustParseAddr("10.255.0.1")}, nil, 1400)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	if n.MTU() != 1400 {
		t.Errorf("MTU() = %d, want 1400", n.MTU())
	}
	if n.Net() == nil {
		t.Error("Net() returned nil")
	}
}

func TestReadPacketHonorsContextCancel(t *testing.T) {
	n, err := New([]netip.Addr{netip.MustParseAddr("10.255.0.1")}, nil, 1400)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = n.ReadPacket(ctx)
	if err == nil {
		t.Error("expected ReadPacket to return an error once its context is done with no traffic")
	}
}
