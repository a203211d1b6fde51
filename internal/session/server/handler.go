package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vpntunnelcore/internal/channel"
	"vpntunnelcore/internal/core"
	"vpntunnelcore/internal/wire"
)

// HandlerConfig bundles the wiring a Handler needs to serve accepted
// connections (spec.md §4.4, §4.6, §6).
type HandlerConfig struct {
	Registry *Registry

	PacketQueueCapacity int
	TCPBufferSize       int
	MinLifespan         time.Duration
	MaxLifespan         time.Duration

	Reporter *core.DropReporter
}

// Handler is the server side of the connector protocol: it multiplexes a
// single TLS listener between the framed control-plane request/response
// connection and the WebSocket-carried channel streams (spec.md §4.4),
// mirroring the client's Connector from the opposite end.
type Handler struct {
	cfg      HandlerConfig
	upgrader websocket.Upgrader
}

// NewHandler constructs a Handler. The WebSocket upgrader accepts any
// origin; this is a VPN control channel, not a browser-facing API.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve accepts connections from ln until ctx is canceled, handling each on
// its own goroutine.
func (h *Handler) Serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("[server] accept: %w", err)
			}
		}
		go h.handleConn(ctx, conn)
	}
}

// handleConn sniffs the connection's first bytes to decide whether it is a
// framed control-plane request or a WebSocket channel upgrade, since both
// share one TLS port (spec.md §4.4, §6 magic prefix).
func (h *Handler) handleConn(ctx context.Context, conn net.Conn) {
	br := bufio.NewReader(conn)
	peek, err := br.Peek(len(wire.Magic))
	if err != nil {
		conn.Close()
		return
	}

	pc := &peekedConn{Conn: conn, r: br}
	if [len(wire.Magic)]byte(peek) == wire.Magic {
		h.serveControl(ctx, pc)
		return
	}
	h.serveChannelHTTP(ctx, pc)
}

// peekedConn replays the bytes a bufio.Reader already buffered while
// peeking, so the sniffed connection can still be read from the start.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekedConn) Read(b []byte) (int, error) { return p.r.Read(b) }

// serveControl drives the framed hello/bye/session_status/rewarded_ad
// request loop for one connection until it errors or the peer disconnects
// (spec.md §4.4 connection reuse: the client keeps this connection open
// across several requests).
func (h *Handler) serveControl(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		op, raw, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		resp := h.dispatchControl(ctx, op, raw, conn)
		if err := wire.WriteFrame(conn, op, resp); err != nil {
			return
		}
	}
}

func (h *Handler) dispatchControl(ctx context.Context, op wire.OpCode, raw json.RawMessage, conn net.Conn) wire.SessionResponse {
	switch op {
	case wire.OpHello:
		var req wire.HelloRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return wire.SessionResponse{ErrorCode: wire.ErrGeneralError}
		}
		return h.cfg.Registry.Hello(ctx, req, remoteAddr(conn))
	case wire.OpBye:
		var req wire.ByeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return wire.SessionResponse{ErrorCode: wire.ErrGeneralError}
		}
		h.cfg.Registry.Bye(ctx, req)
		return wire.SessionResponse{ErrorCode: wire.ErrOK}
	case wire.OpSessionStatus:
		var req wire.SessionStatusRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return wire.SessionResponse{ErrorCode: wire.ErrGeneralError}
		}
		return h.cfg.Registry.SessionStatus(ctx, req)
	case wire.OpRewardedAd:
		var req wire.RewardedAdRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return wire.SessionResponse{ErrorCode: wire.ErrGeneralError}
		}
		return h.cfg.Registry.RewardedAd(ctx, req)
	default:
		return wire.SessionResponse{ErrorCode: wire.ErrGeneralError}
	}
}

func remoteAddr(conn net.Conn) netip.Addr {
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr()
}

// serveChannelHTTP upgrades the sniffed connection to a WebSocket at
// /tunnel and serves exactly the one channel-establishing request it
// carries (spec.md §4.4).
func (h *Handler) serveChannelHTTP(ctx context.Context, conn net.Conn) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.serveChannelStream(ctx, &serverStream{conn: wsConn})
	})
	srv := &http.Server{Handler: mux}
	_ = srv.Serve(&singleConnListener{conn: conn})
}

// singleConnListener hands out the one already-accepted connection the
// sniff step consumed, letting http.Server drive a single WebSocket upgrade
// without its own TCP listener.
type singleConnListener struct {
	mu   sync.Mutex
	conn net.Conn
	done bool
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return nil, io.EOF
	}
	l.done = true
	return l.conn, nil
}

func (l *singleConnListener) Close() error   { return nil }
func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

func (h *Handler) serveChannelStream(ctx context.Context, stream *serverStream) {
	op, raw, err := wire.ReadFrame(stream)
	if err != nil {
		stream.Close()
		return
	}
	switch op {
	case wire.OpTCPPacketChannel:
		h.handleTCPPacketChannel(ctx, stream, raw)
	case wire.OpStreamProxy:
		h.handleStreamProxy(ctx, stream, raw)
	default:
		_ = wire.WriteFrame(stream, op, wire.SessionResponse{ErrorCode: wire.ErrGeneralError})
		stream.Close()
	}
}

// handleTCPPacketChannel admits a new lifespan-bounded PacketChannel onto
// the session's Tunnel (spec.md §4.1 PacketChannel, §4.5 channel
// management). The client's requested lifespan is not used; the channel's
// lifespan is drawn from the server's own configured bounds.
func (h *Handler) handleTCPPacketChannel(ctx context.Context, stream *serverStream, raw json.RawMessage) {
	var req wire.TCPPacketChannelRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		_ = wire.WriteFrame(stream, wire.OpTCPPacketChannel, wire.SessionResponse{ErrorCode: wire.ErrGeneralError})
		stream.Close()
		return
	}
	s, ok := h.cfg.Registry.Get(req.SessionID)
	if !ok {
		_ = wire.WriteFrame(stream, wire.OpTCPPacketChannel, wire.SessionResponse{ErrorCode: wire.ErrSessionClosed})
		stream.Close()
		return
	}
	if code := s.ReserveTCPChannel(); code != core.ErrOK {
		_ = wire.WriteFrame(stream, wire.OpTCPPacketChannel, wire.SessionResponse{ErrorCode: toWireError(code)})
		stream.Close()
		return
	}
	if err := wire.WriteFrame(stream, wire.OpTCPPacketChannel, wire.SessionResponse{ErrorCode: wire.ErrOK}); err != nil {
		s.ReleaseTCPChannel()
		stream.Close()
		return
	}

	pc := channel.NewStreamPacketChannel(stream, h.cfg.PacketQueueCapacity, s.tun.ReceiveCallback, h.cfg.Reporter, h.cfg.MinLifespan, h.cfg.MaxLifespan)
	pc.MarkConnected()
	s.tun.AddChannel(pc)
	go func() {
		pc.Run(ctx)
		s.ReleaseTCPChannel()
	}()
}

// handleStreamProxy dials the requested downstream TCP target and splices
// it to the client's stream as a ProxyChannel (spec.md §4.2 ProxyChannel).
func (h *Handler) handleStreamProxy(ctx context.Context, stream *serverStream, raw json.RawMessage) {
	var req wire.StreamProxyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		_ = wire.WriteFrame(stream, wire.OpStreamProxy, wire.SessionResponse{ErrorCode: wire.ErrGeneralError})
		stream.Close()
		return
	}
	s, ok := h.cfg.Registry.Get(req.SessionID)
	if !ok {
		_ = wire.WriteFrame(stream, wire.OpStreamProxy, wire.SessionResponse{ErrorCode: wire.ErrSessionClosed})
		stream.Close()
		return
	}

	release, code := s.ReserveTCPConnect()
	if code != core.ErrOK {
		_ = wire.WriteFrame(stream, wire.OpStreamProxy, wire.SessionResponse{ErrorCode: toWireError(code)})
		stream.Close()
		return
	}
	dialer := net.Dialer{Timeout: 10 * time.Second}
	downstream, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", req.TargetHost, req.TargetPort))
	release()
	if err != nil {
		_ = wire.WriteFrame(stream, wire.OpStreamProxy, wire.SessionResponse{ErrorCode: wire.ErrGeneralError})
		stream.Close()
		return
	}

	if code := s.ReserveTCPChannel(); code != core.ErrOK {
		downstream.Close()
		_ = wire.WriteFrame(stream, wire.OpStreamProxy, wire.SessionResponse{ErrorCode: toWireError(code)})
		stream.Close()
		return
	}
	if err := wire.WriteFrame(stream, wire.OpStreamProxy, wire.SessionResponse{ErrorCode: wire.ErrOK}); err != nil {
		s.ReleaseTCPChannel()
		downstream.Close()
		stream.Close()
		return
	}

	pc := channel.NewProxyChannel(stream, downstream, h.cfg.TCPBufferSize)
	s.tun.AddProxyChannel(pc)
	go func() {
		pc.Run()
		s.tun.RemoveProxyChannel(pc.ID())
		s.ReleaseTCPChannel()
	}()
}

// ServeUDP drains the shared UDP socket, decoding each datagram against its
// owning session's server secret and delivering it to that session's UDP
// PacketChannel (spec.md §4.1, §4.3 invariant b).
func (h *Handler) ServeUDP(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, 65535)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		datagram := append([]byte(nil), buf[:n]...)

		id, ok := wire.PeekSessionID(datagram)
		if !ok {
			continue
		}
		s, ok := h.cfg.Registry.Get(id)
		if !ok {
			continue
		}
		_, _, plaintext, err := wire.DecodeUDPPacket(s.ServerSecret(), datagram)
		if err != nil {
			h.cfg.Reporter.Report("udp", core.ErrPacketDrop)
			continue
		}

		peer := addr
		pc := s.EnsureUDPChannel(func(out []byte) error {
			_, werr := conn.WriteToUDP(out, peer)
			return werr
		}, h.cfg.PacketQueueCapacity, h.cfg.Reporter)
		pc.DeliverUDP(plaintext)
	}
}

// serverStream adapts a server-side *websocket.Conn to io.ReadWriteCloser
// so it can back a PacketChannel or ProxyChannel transport, mirroring
// internal/connector's wsStream from the accept side.
type serverStream struct {
	conn *websocket.Conn

	mu     sync.Mutex
	reader io.Reader
}

func (s *serverStream) Read(p []byte) (int, error) {
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

func (s *serverStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *serverStream) Close() error {
	return s.conn.Close()
}
