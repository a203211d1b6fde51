package tunnel

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"vpntunnelcore/internal/channel"
	"vpntunnelcore/internal/core"
	"vpntunnelcore/internal/wire"
)

func newTestChannel(t *testing.T) (*channel.PacketChannel, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	reporter := core.NewDropReporter(10 * time.Second)
	ch := channel.NewStreamPacketChannel(local, 8, nil, reporter, 0, 0)
	ch.MarkConnected()
	return ch, remote
}

func TestTunnelSendRoundRobin(t *testing.T) {
	var mu sync.Mutex
	var delivered [][]byte
	tun := New(4, func(p []byte) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, append([]byte(nil), p...))
	})

	ch1, remote1 := newTestChannel(t)
	ch2, remote2 := newTestChannel(t)
	defer remote1.Close()
	defer remote2.Close()

	tun.AddChannel(ch1)
	tun.AddChannel(ch2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch1.Run(ctx)
	go ch2.Run(ctx)

	if tun.ChannelCount() != 2 {
		t.Fatalf("ChannelCount() = %d, want 2", tun.ChannelCount())
	}

	tun.Send([]byte("p1"))
	tun.Send([]byte("p2"))

	// Round-robin puts one of the two packets on each channel.
	for i, remote := range []net.Conn{remote1, remote2} {
		remote.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := wire.ReadStreamPacket(remote); err != nil {
			t.Fatalf("channel %d carried no packet: %v", i+1, err)
		}
	}
}

func TestTunnelTrafficSumsChannels(t *testing.T) {
	tun := New(4, nil)
	ch1, remote1 := newTestChannel(t)
	ch2, remote2 := newTestChannel(t)
	defer remote1.Close()
	defer remote2.Close()

	tun.AddChannel(ch1)
	tun.AddChannel(ch2)

	if tr := tun.Traffic(); tr.Sent != 0 || tr.Received != 0 {
		t.Fatalf("expected zero traffic initially, got %+v", tr)
	}
}

func TestTunnelNeedsMoreChannels(t *testing.T) {
	tun := New(2, nil)
	if !tun.NeedsMoreChannels() {
		t.Fatal("empty tunnel under cap should need more channels")
	}
	ch1, remote1 := newTestChannel(t)
	ch2, remote2 := newTestChannel(t)
	defer remote1.Close()
	defer remote2.Close()
	tun.AddChannel(ch1)
	tun.AddChannel(ch2)
	if tun.NeedsMoreChannels() {
		t.Fatal("tunnel at cap should not need more channels")
	}

	tun.SetMaxPacketChannels(1)
	if tun.NeedsMoreChannels() {
		t.Fatal("lowering the cap below current count must not evict, and must not request more")
	}
}

func TestSpeedometerSamples(t *testing.T) {
	var sent uint64 = 1000
	sp := NewSpeedometer(func() channel.Traffic {
		return channel.Traffic{Sent: sent}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Run the real 1Hz sampler just long enough for one tick.
	sp.Start(ctx)
	defer sp.Stop()

	time.Sleep(1200 * time.Millisecond)
	latest := sp.Latest()
	if latest.SampledAt.IsZero() {
		t.Fatal("expected at least one sample to have been taken")
	}
}
