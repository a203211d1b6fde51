// Package connector implements the control-plane connection described in
// spec.md §4.4: TLS dial with pinned certificate verification and ALPN,
// framed request/response, WebSocket-based stream reuse, and the
// single-retry redirect policy.
package connector

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"vpntunnelcore/internal/core"
	"vpntunnelcore/internal/wire"
)

// Config parameterizes one Connector (spec.md §4.4, §6 Environment).
type Config struct {
	Host             string
	Port             int
	PinnedCertHash   [32]byte // SHA-256 of the server certificate, from the token
	RequestTimeout   time.Duration
	TCPReuseTimeout  time.Duration
	DebuggerAttached bool
	AllowRedirect    bool
}

// Connector establishes, reuses, and multiplexes request/response streams
// to one server candidate (spec.md §4.4).
type Connector struct {
	cfg Config

	mu         sync.Mutex
	tlsConn    *tls.Conn
	pool       *streamPool
	redirected bool
	closed     bool
}

// New creates a Connector for cfg. No network I/O happens until the first
// request is sent.
func New(cfg Config) *Connector {
	return &Connector{
		cfg:  cfg,
		pool: newStreamPool(cfg.Host, cfg.Port, cfg.TCPReuseTimeout),
	}
}

// dial opens the underlying TLS connection with ALPN h2/http1.1 and
// verifies the pinned certificate hash (spec.md §4.4).
func (c *Connector) dial(ctx context.Context) (*tls.Conn, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	d := net.Dialer{Timeout: c.requestTimeout()}
	rawConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("[connector] dial %s: %w", addr, err)
	}

	tlsConf := &tls.Config{
		ServerName:         c.cfg.Host,
		NextProtos:         []string{"h2", "http/1.1"},
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true, // verification is done manually against the pinned hash below
	}
	tlsConn := tls.Client(rawConn, tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("[connector] TLS handshake: %w", err)
	}

	if err := c.verifyPin(tlsConn); err != nil {
		tlsConn.Close()
		return nil, err
	}

	return tlsConn, nil
}

func (c *Connector) verifyPin(tlsConn *tls.Conn) error {
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("[connector] no peer certificate presented")
	}
	var zero [32]byte
	if c.cfg.PinnedCertHash == zero {
		return nil // no pin configured (e.g. in tests)
	}
	got := sha256.Sum256(state.PeerCertificates[0].Raw)
	if got != c.cfg.PinnedCertHash {
		return fmt.Errorf("[connector] certificate hash mismatch")
	}
	return nil
}

func (c *Connector) requestTimeout() time.Duration {
	if c.cfg.DebuggerAttached {
		return c.cfg.RequestTimeout * 10
	}
	if c.cfg.RequestTimeout <= 0 {
		return 10 * time.Second
	}
	return c.cfg.RequestTimeout
}

// ensureConn returns the Connector's TLS connection, dialing it on first
// use (spec.md §4.4 connection reuse).
func (c *Connector) ensureConn(ctx context.Context) (*tls.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("[connector] closed")
	}
	if c.tlsConn != nil {
		return c.tlsConn, nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.tlsConn = conn
	return conn, nil
}

// Request sends a framed op_code+body request and decodes the
// SessionResponse, honoring request_timeout and the debugger-friendly
// override (spec.md §4.4).
func (c *Connector) Request(ctx context.Context, op wire.OpCode, body any) (wire.SessionResponse, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return wire.SessionResponse{}, err
	}

	conn.SetDeadline(time.Now().Add(c.requestTimeout()))
	defer conn.SetDeadline(time.Time{})

	if err := wire.WriteFrame(conn, op, body); err != nil {
		c.invalidate()
		return wire.SessionResponse{}, err
	}

	respOp, raw, err := wire.ReadFrame(conn)
	if err != nil {
		c.invalidate()
		return wire.SessionResponse{}, err
	}
	if respOp != op {
		core.Log.Warnf("connector", "response op %s does not match request op %s", respOp, op)
	}

	var resp wire.SessionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return wire.SessionResponse{}, fmt.Errorf("[connector] decode response: %w", err)
	}

	// A redirect is reported as-is; the caller (Session) decides whether to
	// call FollowRedirect and retry once (spec.md §4.4, §4.5).
	return resp, nil
}

// OpenChannelStream issues a channel-establishing request (tcp_packet_channel
// or stream_proxy) and hands the caller the resulting stream for direct use
// as a PacketChannel/ProxyChannel transport (spec.md §4.4, §6). preventReuse
// is not acted on here; whether the stream returns to the pool once the
// channel using it is done is decided by the preventReuse argument the
// caller later passes to ReleaseChannelStream.
func (c *Connector) OpenChannelStream(ctx context.Context, op wire.OpCode, body any, preventReuse bool) (*wsStream, wire.SessionResponse, error) {
	stream, err := c.pool.Get(ctx)
	if err != nil {
		return nil, wire.SessionResponse{}, err
	}
	if err := wire.WriteFrame(stream, op, body); err != nil {
		stream.Close()
		return nil, wire.SessionResponse{}, err
	}
	respOp, raw, err := wire.ReadFrame(stream)
	if err != nil {
		stream.Close()
		return nil, wire.SessionResponse{}, err
	}
	if respOp != op {
		core.Log.Warnf("connector", "channel response op %s does not match request op %s", respOp, op)
	}
	var resp wire.SessionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		stream.Close()
		return nil, wire.SessionResponse{}, fmt.Errorf("[connector] decode channel response: %w", err)
	}
	if !resp.OK() {
		c.pool.Release(stream, true)
		return nil, resp, nil
	}
	return stream, resp, nil
}

// ReleaseChannelStream returns a channel's stream to the reuse pool, or
// closes it outright if preventReuse is set.
func (c *Connector) ReleaseChannelStream(stream *wsStream, preventReuse bool) {
	c.pool.Release(stream, preventReuse)
}

// ErrRedirectLoop is returned when a second redirect is received, which is
// always fatal by design (spec.md §4.4, §9 Design Notes).
var ErrRedirectLoop = fmt.Errorf("second redirect is fatal")

// FollowRedirect rewrites the Connector's target to candidate and marks
// that a redirect has already been consumed once (spec.md §4.4). It closes
// any existing connection so the next request dials fresh.
func (c *Connector) FollowRedirect(candidate wire.RedirectEndpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.redirected {
		return ErrRedirectLoop
	}
	c.redirected = true
	c.cfg.Host = candidate.Host
	c.cfg.Port = candidate.Port
	if c.tlsConn != nil {
		c.tlsConn.Close()
		c.tlsConn = nil
	}
	c.pool.Close()
	c.pool = newStreamPool(c.cfg.Host, c.cfg.Port, c.cfg.TCPReuseTimeout)
	return nil
}

// invalidate drops the cached connection after an I/O error so the next
// request redials.
func (c *Connector) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tlsConn != nil {
		c.tlsConn.Close()
		c.tlsConn = nil
	}
}

// Close tears down the Connector's connections.
func (c *Connector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.tlsConn != nil {
		c.tlsConn.Close()
		c.tlsConn = nil
	}
	if c.pool != nil {
		c.pool.Close()
	}
}
