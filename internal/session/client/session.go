// Package client implements the client-side Session state machine
// described in spec.md §4.5: hello/reconnect/bye lifecycle, packet
// dispatch, server discovery, channel management, and ConnectionInfo
// persistence. Its reconnect/retry shape is grounded on the teacher's
// ReconnectManager (intent map + per-target cancel funcs + backoff).
package client

import (
	"context"
	"crypto/aes"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"vpntunnelcore/internal/connector"
	"vpntunnelcore/internal/core"
	"vpntunnelcore/internal/iprange"
	"vpntunnelcore/internal/tunnel"
	"vpntunnelcore/internal/wire"
)

// AdProvider gates sessions whose token requires an ad view before
// connecting (SUPPLEMENTED rewarded-ad feature, spec.md §4.5 state
// `waiting_for_ad`). The default provider used when none is configured
// always succeeds immediately.
type AdProvider interface {
	RequestAd(ctx context.Context, requirement core.AdRequirement) error
}

type noopAdProvider struct{}

func (noopAdProvider) RequestAd(ctx context.Context, requirement core.AdRequirement) error {
	return nil
}

// Token is the subset of an AccessToken the client needs locally (spec.md
// §3). The full record lives with the access manager; the client only
// holds what it was issued out of band.
type Token struct {
	ID              string
	Secret          [16]byte
	Candidates      []netip.AddrPort
	HostName        string
	PinnedCertHash  [32]byte
	AdRequirement   core.AdRequirement
	Expiration      *time.Time
}

// Config bundles everything Session needs beyond the token (spec.md §4.5,
// §6 Environment).
type Config struct {
	Env                 core.EnvConfig
	ClientID            [16]byte
	UserAgent           string
	MinProtocolVersion  int
	MaxProtocolVersion  int
	IsIPv6Supported     bool
	UseUDPChannel       bool
	AllowRedirect       bool

	ReconnectTimeout   time.Duration
	SessionTimeout     time.Duration
	AutoWaitTimeout    time.Duration
	DefaultPeriod      time.Duration
	TCPReuseTimeout    time.Duration
	RequestTimeout     time.Duration
	ByeTimeout         time.Duration
	ServerQueryTimeout time.Duration

	PacketQueueCapacity int
	TCPBufferSize       int
	MinLifespan         time.Duration
	MaxLifespan         time.Duration

	DebuggerAttached bool

	AdProvider AdProvider

	// ConnectionInfoPath, if set, enables JSON persistence of session
	// state after every transition (spec.md §6 Persisted connection state).
	ConnectionInfoPath string

	// LocalTCPHost handles packets this session decides to proxy locally
	// instead of tunneling (spec.md §4.5 dispatch steps 3, 5).
	LocalTCPHost func(packet []byte)
	// LocalUDPICMPProxy handles packets dispatched to the local UDP/ICMP
	// proxy path (spec.md §4.5 dispatch step 8).
	LocalUDPICMPProxy func(packet []byte)
	// ToTUN delivers a decrypted inbound IP packet to the local TUN
	// adapter (out of scope per spec.md §1; caller wires the real device).
	ToTUN func(packet []byte)

	// CatcherIPs are the internal loopback addresses used to hand TCP back
	// to the local proxy host (spec.md §4.5 dispatch step 3).
	CatcherIPs func(addr netip.Addr) bool
}

// Session drives one client-side VPN connection end to end.
type Session struct {
	cfg   Config
	token Token

	mu    sync.RWMutex
	state core.SessionState

	sessionID    uint64
	sessionKey   [16]byte
	serverSecret [16]byte
	virtualIPv4  netip.Addr
	virtualIPv6  netip.Addr
	mtu          int
	maxChannels  int
	udpEndpoint  netip.AddrPort
	hasUDP       bool
	adRequirement core.AdRequirement
	accessUsage  *wire.AccessUsage

	includeRanges *iprange.Filter

	conn    *connector.Connector
	tun     *tunnel.Tunnel
	udpSend func(datagram []byte) error

	bus      *core.EventBus
	reporter *core.DropReporter

	refillBusy atomic.Bool

	connectedAt   time.Time
	firstFailure  time.Time
	waitStartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

// New constructs a Session in state none. Call Connect to drive it toward
// connected.
func New(cfg Config, token Token, bus *core.EventBus) *Session {
	if cfg.AdProvider == nil {
		cfg.AdProvider = noopAdProvider{}
	}
	s := &Session{
		cfg:      cfg,
		token:    token,
		bus:      bus,
		reporter: core.NewDropReporter(10 * time.Second),
		done:     make(chan struct{}),
	}
	s.setState(core.SessionNone)
	return s
}

func (s *Session) State() core.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(newState core.SessionState) {
	s.mu.Lock()
	old := s.state
	s.state = newState
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(core.Event{
			Type: core.EventSessionStateChanged,
			Payload: core.SessionStatePayload{
				SessionID: s.sessionID,
				OldState:  old,
				NewState:  newState,
			},
		})
	}
	s.persistConnectionInfo()
}

// Connect starts the connecting state machine (spec.md §4.5 transitions).
// It returns once the session reaches connected, disposed, or ctx is
// canceled.
func (s *Session) Connect(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.setState(core.SessionConnecting)
	s.firstFailure = time.Time{}

	go s.cleanupLoop(ctx)

	return s.connectLoop(ctx)
}

func (s *Session) connectLoop(ctx context.Context) error {
	bo := &backoff.Backoff{
		Min:    200 * time.Millisecond,
		Max:    s.cfg.ReconnectTimeout,
		Factor: 2,
		Jitter: true,
	}

	for {
		select {
		case <-ctx.Done():
			s.dispose()
			return ctx.Err()
		default:
		}

		err := s.attemptHello(ctx)
		if err == nil {
			bo.Reset()
			return nil
		}

		if s.firstFailure.IsZero() {
			s.firstFailure = time.Now()
		}
		elapsed := time.Since(s.firstFailure)

		if elapsed > s.cfg.SessionTimeout {
			core.Log.Warnf("session", "giving up after %s: %v", elapsed, err)
			s.dispose()
			return err
		}

		if elapsed > s.cfg.ReconnectTimeout {
			s.enterWaiting(ctx)
			// enterWaiting blocks until auto_wait_timeout elapses or ctx is
			// canceled; it does not wait for a TUN packet.
			select {
			case <-ctx.Done():
				s.dispose()
				return ctx.Err()
			default:
			}
			continue
		}

		d := bo.Duration()
		core.Log.Debugf("session", "hello failed, retrying in %s: %v", d, err)
		select {
		case <-ctx.Done():
			s.dispose()
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

func (s *Session) enterWaiting(ctx context.Context) {
	s.setState(core.SessionWaiting)
	s.waitStartedAt = time.Now()
	select {
	case <-ctx.Done():
	case <-time.After(s.cfg.AutoWaitTimeout):
		s.setState(core.SessionConnecting)
	}
}

// OnTUNPacketWhileWaiting moves a waiting session's reported state to
// connecting when a packet arrives after auto_wait_timeout has elapsed. A
// packet that arrives earlier changes nothing, and the call does not wake
// connectLoop, which resumes from enterWaiting on its own timer.
func (s *Session) OnTUNPacketWhileWaiting() {
	if s.State() != core.SessionWaiting {
		return
	}
	if time.Since(s.waitStartedAt) >= s.cfg.AutoWaitTimeout {
		s.setState(core.SessionConnecting)
	}
}

// attemptHello performs server discovery, the hello exchange, the optional
// rewarded-ad gate, and brings up the initial Tunnel (spec.md §4.5).
func (s *Session) attemptHello(ctx context.Context) error {
	candidates := s.token.Candidates
	if s.token.HostName != "" {
		if resolved, err := resolveHostCandidates(s.token.HostName, s.cfg.ServerQueryTimeout); err == nil {
			candidates = append(append([]netip.AddrPort{}, candidates...), resolved...)
		} else {
			core.Log.Debugf("session", "resolve %s: %v", s.token.HostName, err)
		}
	}

	candidate, err := FindServer(ctx, candidates, s.cfg.IsIPv6Supported, s.cfg.ServerQueryTimeout)
	if err != nil {
		return fmt.Errorf("[session] server discovery: %w", err)
	}

	conn := connector.New(connector.Config{
		Host:             candidate.Addr().String(),
		Port:             int(candidate.Port()),
		PinnedCertHash:   s.token.PinnedCertHash,
		RequestTimeout:   s.cfg.RequestTimeout,
		TCPReuseTimeout:  s.cfg.TCPReuseTimeout,
		DebuggerAttached: s.cfg.DebuggerAttached,
		AllowRedirect:    s.cfg.AllowRedirect,
	})

	resp, err := s.sendHello(ctx, conn)
	if err != nil {
		conn.Close()
		return err
	}

	if resp.ErrorCode == wire.ErrRedirectHost {
		if len(resp.RedirectHost) == 0 {
			conn.Close()
			return fmt.Errorf("[session] redirect with no candidates")
		}
		if err := conn.FollowRedirect(resp.RedirectHost[0]); err != nil {
			conn.Close()
			return fmt.Errorf("[session] %w", err)
		}
		resp, err = s.sendHello(ctx, conn)
		if err != nil {
			conn.Close()
			return err
		}
	}

	if !resp.OK() || resp.SessionInfo == nil {
		conn.Close()
		return fmt.Errorf("[session] hello rejected: %s", resp.ErrorCode)
	}

	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.applyHelloResponse(*resp.SessionInfo)

	if s.adRequirement == core.AdRewarded {
		s.setState(core.SessionWaitingForAd)
		if err := s.cfg.AdProvider.RequestAd(ctx, s.adRequirement); err != nil {
			return fmt.Errorf("[session] %w: %v", wire.ErrRewardedAdRejected, err)
		}
	}

	s.tun = tunnel.New(s.maxChannels, s.dispatchInbound)
	s.tun.SetUDPMode(s.hasUDP)
	s.tun.EnableSpeedometer().Start(ctx)

	s.setState(core.SessionConnected)
	s.connectedAt = time.Now()
	go s.channelManagementLoop(ctx)
	return nil
}

func (s *Session) sendHello(ctx context.Context, conn *connector.Connector) (wire.SessionResponse, error) {
	encClientID, err := encryptClientID(s.token.Secret, s.cfg.ClientID)
	if err != nil {
		return wire.SessionResponse{}, err
	}
	req := wire.HelloRequest{
		EncryptedClientID: encClientID,
		ClientInfo: wire.ClientInfo{
			Version:   "1.0",
			MinProto:  s.cfg.MinProtocolVersion,
			MaxProto:  s.cfg.MaxProtocolVersion,
			UserAgent: s.cfg.UserAgent,
		},
		TokenID:         s.token.ID,
		AllowRedirect:   s.cfg.AllowRedirect,
		IsIPv6Supported: s.cfg.IsIPv6Supported,
	}
	return conn.Request(ctx, wire.OpHello, req)
}

// encryptClientID implements the hello request's AES-ECB(token.secret,
// client_id) field (spec.md §4.5). ECB is mandated by the wire format, not
// chosen here; a single 16-byte block needs no padding or chaining mode.
func encryptClientID(secret, clientID [16]byte) ([]byte, error) {
	block, err := aes.NewCipher(secret[:])
	if err != nil {
		return nil, fmt.Errorf("[session] aes cipher: %w", err)
	}
	out := make([]byte, 16)
	block.Encrypt(out, clientID[:])
	return out, nil
}

func (s *Session) applyHelloResponse(info wire.HelloResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessionID = info.SessionID
	s.sessionKey = info.SessionKey
	s.serverSecret = info.ServerSecret
	s.mtu = info.MTU
	s.maxChannels = info.MaxPacketChannelCount
	s.accessUsage = info.AccessUsage
	if v4, err := netip.ParseAddr(info.VirtualIPv4); err == nil {
		s.virtualIPv4 = v4
	}
	if info.VirtualIPv6 != "" {
		if v6, err := netip.ParseAddr(info.VirtualIPv6); err == nil {
			s.virtualIPv6 = v6
		}
	}
	if info.UDPPort != 0 {
		s.hasUDP = true
	}
	switch info.AdRequirement {
	case "rewarded":
		s.adRequirement = core.AdRewarded
	case "flexible":
		s.adRequirement = core.AdFlexible
	default:
		s.adRequirement = core.AdNone
	}
	if f, err := iprange.New(info.IncludeIPRanges); err == nil {
		s.includeRanges = f
	}
}

// cleanupLoop runs the periodic session-expiry check (spec.md §4.5
// Periodic cleanup, default_period): every tick, dispose the session with
// access_expired once the token's expiration instant has passed.
func (s *Session) cleanupLoop(ctx context.Context) {
	period := s.cfg.DefaultPeriod
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			exp := s.token.Expiration
			if exp == nil || !time.Now().After(*exp) {
				continue
			}
			switch s.State() {
			case core.SessionDisposed, core.SessionNone:
				continue
			}
			core.Log.Warnf("session", "token %s expired at %s: %s", s.token.ID, exp, wire.ErrAccessExpired)
			s.dispose()
			return
		}
	}
}

// Bye sends a graceful disconnect request with bye_timeout, ignoring
// failures (spec.md §4.5 Bye).
func (s *Session) Bye(ctx context.Context) {
	if s.State() != core.SessionConnected || s.conn == nil {
		return
	}
	byeTimeout := s.cfg.ByeTimeout
	if s.cfg.DebuggerAttached {
		byeTimeout *= 10
	}
	byeCtx, cancel := context.WithTimeout(ctx, byeTimeout)
	defer cancel()
	_, _ = s.conn.Request(byeCtx, wire.OpBye, wire.ByeRequest{SessionID: s.sessionID})
	s.setState(core.SessionDisconnecting)
}

// dispose releases everything the session owns. Idempotent (spec.md §8
// invariant: calling dispose twice is a no-op after the first).
func (s *Session) dispose() {
	s.closeOnce.Do(func() {
		if s.tun != nil {
			s.tun.RemoveAllPacketChannels()
		}
		if s.conn != nil {
			s.conn.Close()
		}
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
		s.setState(core.SessionDisposed)
	})
}

// Dispose is the external entry point for tearing a session down, e.g. on
// a terminal error code from the server (spec.md §7 Propagation policy).
func (s *Session) Dispose() {
	s.dispose()
}

// dispatchInbound delivers a packet the Tunnel fanned in from the wire to
// the local TUN adapter (spec.md §2 reverse data flow).
func (s *Session) dispatchInbound(packet []byte) {
	if s.cfg.ToTUN != nil {
		s.cfg.ToTUN(packet)
	}
}

// SessionID exposes the server-assigned id for callers building status
// requests or logs.
func (s *Session) SessionID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Tunnel exposes the owned Tunnel for packet dispatch wiring.
func (s *Session) Tunnel() *tunnel.Tunnel {
	return s.tun
}

// Reporter exposes the bounded drop reporter for shared use by the
// dispatch path (spec.md §7).
func (s *Session) Reporter() *core.DropReporter {
	return s.reporter
}
