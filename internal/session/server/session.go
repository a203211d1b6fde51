// Package server implements the server-side Session described in
// spec.md §4.6: hello handling against an AccessManager, per-session
// quotas and NetScan, net-filtered packet dispatch to either a local TUN
// adapter or the ProxyPool, and traffic accounting as the mirror image of
// the client Session in internal/session/client.
package server

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"vpntunnelcore/internal/access"
	"vpntunnelcore/internal/channel"
	"vpntunnelcore/internal/core"
	"vpntunnelcore/internal/iprange"
	"vpntunnelcore/internal/proxypool"
	"vpntunnelcore/internal/tunnel"
)

// Config bundles the server-wide settings and collaborators every Session
// shares (spec.md §4.6, §4.7, SPEC_FULL ServerConfig).
type Config struct {
	MaxTCPChannelCount     int
	MaxTCPConnectWaitCount int
	NetScanLimit           int
	NetScanWindow          time.Duration
	PacketQueueCapacity    int

	MinProtocolVersion int
	MaxProtocolVersion int

	// HasTUNv4/HasTUNv6 report whether the server's own TUN adapter
	// handles this IP version locally, vs. handing packets to the
	// ProxyPool (spec.md §4.6 packet dispatch step 3).
	HasTUNv4 bool
	HasTUNv6 bool
	ToTUN    func(packet []byte)

	Pool *proxypool.ProxyPool

	IncludeIPRanges []string
	DNSServers      []string

	Reporter *core.DropReporter
}

// Session mirrors the client Session but drives the server half of the
// protocol: it owns a Tunnel the same way, but dispatches inbound tunneled
// packets to the local TUN adapter or the ProxyPool instead of deciding
// between tunnel/local-proxy paths (spec.md §4.6).
type Session struct {
	cfg Config

	id           uint64
	clientID     [16]byte
	sessionKey   [16]byte
	serverSecret [16]byte
	tokenID      string

	virtualIPv4 netip.Addr
	virtualIPv6 netip.Addr
	mtu         int
	maxChannels int

	includeRanges *iprange.Filter
	netScan       *NetScan

	mu    sync.RWMutex
	state core.SessionState

	tun *tunnel.Tunnel

	tcpConnectWait atomic.Int32
	tcpChannels    atomic.Int32

	prevTraffic channel.Traffic
	trafficMu   sync.Mutex

	accessUsage access.Usage
	adRequirement core.AdRequirement

	udpChannelMu sync.Mutex
	udpChannel   *channel.PacketChannel
	udpCancel    context.CancelFunc

	createdAt time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a server Session for an already-authorized hello. The
// caller (Registry) is responsible for session id assignment and virtual
// IP allocation before calling this (spec.md §4.6).
func New(cfg Config, id uint64, clientID [16]byte, tokenID string, sessionKey, serverSecret [16]byte, v4, v6 netip.Addr, mtu, maxChannels int) *Session {
	var rangeFilter *iprange.Filter
	if f, err := iprange.New(cfg.IncludeIPRanges); err == nil {
		rangeFilter = f
	}

	s := &Session{
		cfg:           cfg,
		id:            id,
		clientID:      clientID,
		tokenID:       tokenID,
		sessionKey:    sessionKey,
		serverSecret:  serverSecret,
		virtualIPv4:   v4,
		virtualIPv6:   v6,
		mtu:           mtu,
		maxChannels:   maxChannels,
		includeRanges: rangeFilter,
		netScan:       NewNetScan(cfg.NetScanLimit, cfg.NetScanWindow),
		state:         core.SessionConnected,
		createdAt:     time.Now(),
		done:          make(chan struct{}),
	}
	s.tun = tunnel.New(maxChannels, s.dispatchInbound)
	return s
}

func (s *Session) ID() uint64            { return s.id }
func (s *Session) TokenID() string       { return s.tokenID }
func (s *Session) ClientID() [16]byte    { return s.clientID }
func (s *Session) VirtualIPv4() netip.Addr { return s.virtualIPv4 }
func (s *Session) VirtualIPv6() netip.Addr { return s.virtualIPv6 }
func (s *Session) SessionKey() [16]byte  { return s.sessionKey }
func (s *Session) ServerSecret() [16]byte { return s.serverSecret }
func (s *Session) Tunnel() *tunnel.Tunnel { return s.tun }

func (s *Session) State() core.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(v core.SessionState) {
	s.mu.Lock()
	s.state = v
	s.mu.Unlock()
}

// dispatchInbound handles a packet the Tunnel fanned in from the wire:
// source-address validation, net-filter policy, then routing to the local
// TUN adapter or the ProxyPool (spec.md §4.6 Packet dispatch (server)).
func (s *Session) dispatchInbound(raw []byte) {
	pkt, ok := ParsePacket(raw)
	if !ok {
		s.cfg.Reporter.Report("Session", core.ErrNetFilter)
		return
	}
	outcome := s.DispatchTunneledPacket(pkt)
	if outcome != OutcomeAccepted {
		s.cfg.Reporter.Report("Session", outcomeErrorCode(outcome))
	}
}

// DispatchOutcome records what server-side dispatch decided, exposed for
// tests asserting the ordered rule list in spec.md §4.6.
type DispatchOutcome int

const (
	OutcomeAccepted DispatchOutcome = iota
	OutcomeSpoofedSource
	OutcomeNetFiltered
)

func outcomeErrorCode(o DispatchOutcome) core.ErrorCode {
	switch o {
	case OutcomeSpoofedSource, OutcomeNetFiltered:
		return core.ErrNetFilter
	default:
		return core.ErrOK
	}
}

// DispatchTunneledPacket implements spec.md §4.6 Packet dispatch (server)
// steps 1-4 and routes the packet on acceptance.
func (s *Session) DispatchTunneledPacket(pkt Packet) DispatchOutcome {
	// 1. Source address must equal the session's virtual IP for that IP
	// version.
	src := pkt.Src
	if src.Is4() && src != s.virtualIPv4 {
		return OutcomeSpoofedSource
	}
	if src.Is6() && s.virtualIPv6.IsValid() && src != s.virtualIPv6 {
		return OutcomeSpoofedSource
	}

	// 2. Net-filter policy (the include-ranges list also bounds what a
	// tunneled packet's destination may be, mirroring the client's
	// include-range check).
	dst := pkt.Dst
	if s.includeRanges != nil && s.includeRanges.Len() > 0 && !s.includeRanges.Contains(dst) {
		return OutcomeNetFiltered
	}

	// 3/4. Local TUN if this server handles the IP version, else ProxyPool.
	if (dst.Is4() && s.cfg.HasTUNv4) || (dst.Is6() && s.cfg.HasTUNv6) {
		if s.cfg.ToTUN != nil {
			s.cfg.ToTUN(pkt.Raw)
		}
		return OutcomeAccepted
	}

	s.routeToProxyPool(pkt)
	return OutcomeAccepted
}

// routeToProxyPool hands an inbound tunneled packet needing Internet
// egress to the ProxyPool's UDP or ICMP sub-pool, gated by NetScan (spec.md
// §4.6 Limits per session, §4.7).
func (s *Session) routeToProxyPool(pkt Packet) {
	dst := netip.AddrPortFrom(pkt.Dst, pkt.DstPort)
	if !s.netScan.Allow(dst) {
		s.cfg.Reporter.Report("Session", core.ErrNetScan)
		return
	}
	if s.cfg.Pool == nil {
		return
	}
	switch pkt.Protocol {
	case ProtoUDP:
		key := proxypool.UDPFlowKey{SrcAddr: pkt.Src, SrcPort: pkt.SrcPort, DstAddr: pkt.Dst, DstPort: pkt.DstPort}
		conn, ok, err := s.cfg.Pool.UDP.Get(s.id, key)
		if err != nil || !ok {
			return
		}
		_, _ = conn.Write(pkt.Payload)
	case ProtoICMPEcho:
		key := proxypool.ICMPFlowKey{SrcAddr: pkt.Src, DstAddr: pkt.Dst, EchoID: pkt.ICMPEchoID}
		conn, ok, err := s.cfg.Pool.ICMP.Get(s.id, key)
		if err != nil || !ok {
			return
		}
		echo, err := proxypool.BuildEchoRequest(int(pkt.ICMPEchoID), int(pkt.ICMPSeq), pkt.Payload)
		if err != nil {
			return
		}
		_, _ = conn.WriteTo(echo, &net.UDPAddr{IP: pkt.Dst.AsSlice()})
	}
}

// DeliverUDPReply frames a payload the ProxyPool's UDP sub-pool read back
// from key's outbound socket as an IPv4 packet and sends it through this
// session's Tunnel to the client (spec.md §2, §4.7 "returns replies").
// IPv6 flows are dropped; the ProxyPool does not currently frame IPv6
// replies.
func (s *Session) DeliverUDPReply(key proxypool.UDPFlowKey, payload []byte) {
	if s.tun == nil || !key.SrcAddr.Is4() || !key.DstAddr.Is4() {
		return
	}
	s.tun.Send(buildIPv4UDP(key.DstAddr, key.SrcAddr, key.DstPort, key.SrcPort, payload))
}

// DeliverICMPReply is DeliverUDPReply's ICMP-echo equivalent.
func (s *Session) DeliverICMPReply(key proxypool.ICMPFlowKey, payload []byte) {
	if s.tun == nil || !key.SrcAddr.Is4() || !key.DstAddr.Is4() {
		return
	}
	s.tun.Send(buildIPv4ICMP(key.DstAddr, key.SrcAddr, payload))
}

// EnsureUDPChannel returns this session's single UDP PacketChannel, creating
// it on first use and switching the Tunnel into UDP mode (spec.md §4.3
// invariant b: a session has exactly one UDP channel while active).
func (s *Session) EnsureUDPChannel(send func(datagram []byte) error, queueCap int, reporter *core.DropReporter) *channel.PacketChannel {
	s.udpChannelMu.Lock()
	defer s.udpChannelMu.Unlock()
	if s.udpChannel != nil {
		return s.udpChannel
	}

	pc := channel.NewUDPPacketChannel(s.id, s.serverSecret, send, queueCap, s.tun.ReceiveCallback, reporter)
	pc.MarkConnected()
	s.tun.SetUDPMode(true)
	s.tun.AddChannel(pc)

	ctx, cancel := context.WithCancel(context.Background())
	s.udpCancel = cancel
	go pc.Run(ctx)

	s.udpChannel = pc
	return pc
}

// ReserveTCPConnect increments the in-flight TCP connect counter, enforcing
// max_tcp_connect_wait_count (spec.md §4.6 Limits per session). The
// returned release func must be called once the connect attempt resolves.
func (s *Session) ReserveTCPConnect() (release func(), err core.ErrorCode) {
	if s.cfg.MaxTCPConnectWaitCount > 0 && int(s.tcpConnectWait.Load()) >= s.cfg.MaxTCPConnectWaitCount {
		return func() {}, core.ErrMaxTCPConnectWait
	}
	s.tcpConnectWait.Add(1)
	return func() { s.tcpConnectWait.Add(-1) }, core.ErrOK
}

// ReserveTCPChannel enforces max_tcp_channel_count before a new
// ProxyChannel or TCP PacketChannel is admitted (spec.md §4.6 Limits per
// session).
func (s *Session) ReserveTCPChannel() core.ErrorCode {
	if s.cfg.MaxTCPChannelCount > 0 && int(s.tcpChannels.Load()) >= s.cfg.MaxTCPChannelCount {
		return core.ErrMaxTCPChannel
	}
	s.tcpChannels.Add(1)
	return core.ErrOK
}

// ReleaseTCPChannel is called when a ProxyChannel or TCP PacketChannel the
// session was counting against max_tcp_channel_count finishes.
func (s *Session) ReleaseTCPChannel() {
	s.tcpChannels.Add(-1)
}

// Traffic returns tunnel.traffic - prev_traffic with sent/received swapped,
// since the server's perspective is the inverse of the tunnel's: bytes the
// tunnel sent are bytes the client received, and vice versa (spec.md §4.6
// Traffic accounting).
func (s *Session) Traffic() channel.Traffic {
	s.trafficMu.Lock()
	defer s.trafficMu.Unlock()
	cur := s.tun.Traffic()
	return channel.Traffic{
		Sent:     cur.Received - s.prevTraffic.Received,
		Received: cur.Sent - s.prevTraffic.Sent,
	}
}

// ResetTraffic snapshots the tunnel's current cumulative counters as the
// new baseline for future Traffic() calls (spec.md §4.6: "Resetting the
// traffic snapshots the current tunnel traffic").
func (s *Session) ResetTraffic() {
	s.trafficMu.Lock()
	defer s.trafficMu.Unlock()
	s.prevTraffic = s.tun.Traffic()
}

// SetAccessUsage records the usage snapshot the AccessManager returned,
// surfaced in SessionResponse (spec.md §3).
func (s *Session) SetAccessUsage(u access.Usage) {
	s.mu.Lock()
	s.accessUsage = u
	s.mu.Unlock()
}

// AccessUsage returns the last-known usage snapshot.
func (s *Session) AccessUsage() access.Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessUsage
}

// Dispose releases everything the session owns. Idempotent (spec.md §8
// invariant).
func (s *Session) Dispose() {
	s.closeOnce.Do(func() {
		s.tun.RemoveAllPacketChannels()
		s.udpChannelMu.Lock()
		if s.udpCancel != nil {
			s.udpCancel()
		}
		s.udpChannelMu.Unlock()
		s.setState(core.SessionDisposed)
		close(s.done)
	})
}

// Done reports a channel closed once Dispose has run, for registries that
// want to wait on session teardown.
func (s *Session) Done() <-chan struct{} { return s.done }
