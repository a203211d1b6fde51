package channel

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"vpntunnelcore/internal/core"
)

func TestPacketChannelStreamRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	reporter := core.NewDropReporter(10 * time.Second)

	var mu sync.Mutex
	var received [][]byte
	recv := func(p []byte) {
		mu.Lock()
		defer mu.Unlock()
		cp := append([]byte(nil), p...)
		received = append(received, cp)
	}

	client := NewStreamPacketChannel(clientConn, 8, nil, reporter, 0, 0)
	server := NewStreamPacketChannel(serverConn, 8, recv, reporter, 0, 0)
	client.MarkConnected()
	server.MarkConnected()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	client.Send([]byte("hello"))

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for packet delivery")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(received[0], []byte("hello")) {
		t.Errorf("got %q, want %q", received[0], "hello")
	}
}

func TestPacketChannelDropsOnFullQueue(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	reporter := core.NewDropReporter(10 * time.Second)

	pc := NewStreamPacketChannel(clientConn, 1, nil, reporter, 0, 0)
	pc.MarkConnected()

	pc.Send([]byte("a")) // fills the queue (no reader draining it)
	pc.Send([]byte("b")) // must be dropped, not block

	snap := reporter.Snapshot()
	if snap[core.ErrPacketDrop] == 0 {
		t.Errorf("expected a recorded packet drop, got %+v", snap)
	}
}

func TestPacketChannelClosedRejectsSend(t *testing.T) {
	clientConn, _ := net.Pipe()
	reporter := core.NewDropReporter(10 * time.Second)

	pc := NewStreamPacketChannel(clientConn, 4, nil, reporter, 0, 0)
	pc.Close()

	if pc.State() != core.ChannelClosed {
		t.Fatalf("state = %v, want closed", pc.State())
	}
	pc.Send([]byte("x"))
	select {
	case <-pc.queue:
		t.Error("closed channel should not accept packets")
	default:
	}
}

func TestProxyChannelSplice(t *testing.T) {
	upClient, upServer := net.Pipe()
	downClient, downServer := net.Pipe()

	pc := NewProxyChannel(upServer, downClient, 4096)
	go pc.Run()

	go func() {
		upClient.Write([]byte("ping"))
	}()

	buf := make([]byte, 4)
	downServer.SetReadDeadline(time.Now().Add(time.Second))
	n, err := downServer.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Errorf("got %q, want %q", buf[:n], "ping")
	}
	upClient.Close()
	downServer.Close()
}
