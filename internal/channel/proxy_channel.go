package channel

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"vpntunnelcore/internal/core"
)

// ProxyChannel is a bidirectional byte-stream splice between an upstream
// client-stream and a downstream TCP socket, used for plain passthrough
// TCP (spec.md §4.2). It is grounded on the teacher's forward()/half-close
// TunnelProxy pattern, generalized to a session-owned transport pair
// instead of a NAT-table lookup.
type ProxyChannel struct {
	id string

	upstream   io.ReadWriteCloser
	downstream net.Conn

	bufSize int

	sentBytes     atomic.Uint64
	receivedBytes atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewProxyChannel pairs the session's framed upstream byte-stream with an
// already-dialed downstream TCP connection.
func NewProxyChannel(upstream io.ReadWriteCloser, downstream net.Conn, bufSize int) *ProxyChannel {
	if bufSize <= 0 {
		bufSize = 32 * 1024
	}
	return &ProxyChannel{
		id:         core.NewChannelID(),
		upstream:   upstream,
		downstream: downstream,
		bufSize:    bufSize,
		done:       make(chan struct{}),
	}
}

func (pc *ProxyChannel) ID() string { return pc.id }

// Traffic returns a snapshot of bytes moved upstream→downstream (Sent) and
// downstream→upstream (Received).
func (pc *ProxyChannel) Traffic() Traffic {
	return Traffic{Sent: pc.sentBytes.Load(), Received: pc.receivedBytes.Load()}
}

// Run splices both directions and blocks until one side reaches EOF or
// errors, then closes the other (spec.md §4.2).
func (pc *ProxyChannel) Run() {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, _ := io.CopyBuffer(pc.downstream, pc.upstream, make([]byte, pc.bufSize))
		pc.sentBytes.Add(uint64(n))
		if tc, ok := pc.downstream.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		n, _ := io.CopyBuffer(pc.upstream, pc.downstream, make([]byte, pc.bufSize))
		pc.receivedBytes.Add(uint64(n))
	}()

	wg.Wait()
	pc.Close()
}

// Close tears down both sides of the splice. Safe to call multiple times.
func (pc *ProxyChannel) Close() {
	pc.closeOnce.Do(func() {
		close(pc.done)
		pc.upstream.Close()
		pc.downstream.Close()
	})
}
