package connector

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vpntunnelcore/internal/core"
)

// wsStream adapts a *websocket.Conn to io.ReadWriteCloser so it can be
// handed to a PacketChannel or ProxyChannel as its transport, reading and
// writing binary frames transparently.
type wsStream struct {
	conn *websocket.Conn

	mu     sync.Mutex
	reader io.Reader
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.reader != nil {
			n, err := s.reader.Read(p)
			if err == io.EOF {
				s.reader = nil
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, err
		}
		_, r, err := s.conn.NextReader()
		if err != nil {
			return 0, err
		}
		s.reader = r
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}

// pooledStream is an idle wsStream sitting in the reuse pool.
type pooledStream struct {
	stream  *wsStream
	idleAt  time.Time
}

// streamPool manages idle WebSocket-multiplexed streams to one host,
// reaping them after tcp_reuse_timeout (spec.md §4.4 connection reuse).
type streamPool struct {
	dialer *websocket.Dialer
	url    string

	reuseTimeout time.Duration

	mu   sync.Mutex
	idle []pooledStream

	stopReap chan struct{}
	once     sync.Once
}

func newStreamPool(host string, port int, reuseTimeout time.Duration) *streamPool {
	if reuseTimeout <= 0 {
		reuseTimeout = 60 * time.Second
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	p := &streamPool{
		dialer:       dialer,
		url:          fmt.Sprintf("wss://%s:%d/tunnel", host, port),
		reuseTimeout: reuseTimeout,
		stopReap:     make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// Get returns an idle stream if one is available, otherwise dials a fresh
// WebSocket connection (spec.md §4.4 connection reuse).
func (p *streamPool) Get(ctx context.Context) (*wsStream, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		ps := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return ps.stream, nil
	}
	p.mu.Unlock()

	conn, _, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("[connector] websocket dial: %w", err)
	}
	return &wsStream{conn: conn}, nil
}

// Release returns a finished stream to the pool unless preventReuse is set
// (spec.md §4.4: the hello stream and lifespan-bearing packet-channel
// streams are closed rather than pooled).
func (p *streamPool) Release(s *wsStream, preventReuse bool) {
	if preventReuse {
		s.Close()
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, pooledStream{stream: s, idleAt: time.Now()})
	p.mu.Unlock()
}

func (p *streamPool) reapLoop() {
	ticker := time.NewTicker(p.reuseTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReap:
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

func (p *streamPool) reap() {
	cutoff := time.Now().Add(-p.reuseTimeout)
	p.mu.Lock()
	kept := p.idle[:0]
	var expired []pooledStream
	for _, ps := range p.idle {
		if ps.idleAt.Before(cutoff) {
			expired = append(expired, ps)
		} else {
			kept = append(kept, ps)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, ps := range expired {
		core.Log.Debugf("connector", "reaping idle stream after tcp_reuse_timeout")
		ps.stream.Close()
	}
}

// Close stops the reaper and closes every idle stream.
func (p *streamPool) Close() {
	p.once.Do(func() { close(p.stopReap) })
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, ps := range idle {
		ps.stream.Close()
	}
}
