package server

import (
	"context"
	"crypto/aes"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"vpntunnelcore/internal/access"
	"vpntunnelcore/internal/core"
	"vpntunnelcore/internal/wire"
)

// RegistryConfig bundles the server-wide settings Registry needs to mint a
// Session out of an authorized hello (spec.md §4.6, §3 Session virtual IPv4/
// IPv6, SPEC_FULL ServerConfig).
type RegistryConfig struct {
	SessionConfig Config

	Access access.Manager
	IPs    *IPAllocator

	MTU                   int
	MaxPacketChannelCount int
	ProtocolVersion       int
	UDPPort               int
	IncludeIPRanges       []string
	VPNAdapterIncludeIPRanges []string
	DNSServers            []string
}

// Registry is the server's client_id-keyed session table (spec.md §4.6): it
// turns an authorized hello into a live Session, suppressing any earlier
// session for the same client_id when the token is not public (SUPPLEMENTED
// feature). Grounded on the teacher's TunnelRegistry
// (internal/core/tunnel_registry.go): a map guarded by a mutex, with
// explicit Register/Unregister and a copy-on-read snapshot for iteration.
type Registry struct {
	cfg RegistryConfig

	mu        sync.RWMutex
	byID      map[uint64]*Session
	byClient  map[[16]byte]*Session
}

// NewRegistry constructs an empty session table.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		cfg:      cfg,
		byID:     make(map[uint64]*Session),
		byClient: make(map[[16]byte]*Session),
	}
}

// Get returns the live session for id, if any.
func (r *Registry) Get(id uint64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Snapshot returns a copy of the currently registered sessions, safe to
// range over without holding the registry lock (teacher's tunnel_registry
// idiom).
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Hello authorizes req against the AccessManager, allocates a session and
// virtual IPs, and registers it, suppressing any prior session for the same
// client_id per the token's IsPublic policy (spec.md §4.5/§4.6 Hello
// handling, §8 scenario 6).
func (r *Registry) Hello(ctx context.Context, req wire.HelloRequest, clientAddr netip.Addr) wire.SessionResponse {
	if req.ClientInfo.MinProto > r.cfg.ProtocolVersion || req.ClientInfo.MaxProto < r.cfg.ProtocolVersion {
		return wire.SessionResponse{ErrorCode: wire.ErrUnauthorizedAccess}
	}

	result, err := r.cfg.Access.SessionAdd(ctx, access.SessionAddRequest{
		TokenID:        req.TokenID,
		ServerLocation: req.ServerLocation,
		PlanID:         req.PlanID,
		AccessCode:     req.AccessCode,
	})
	if err != nil || result.ErrorCode != core.ErrOK {
		return wire.SessionResponse{ErrorCode: toWireError(result.ErrorCode)}
	}

	clientID, err := decryptClientIDBytes(result.Token.Secret, req.EncryptedClientID)
	if err != nil {
		return wire.SessionResponse{ErrorCode: wire.ErrUnauthorizedAccess}
	}

	suppressed := r.suppressExisting(clientID, result.Token.IsPublic)

	id := core.NewSessionID()
	sessionKey := core.NewSessionKey()
	serverSecret := core.NewServerSecret()

	v4, v6, err := r.cfg.IPs.Allocate(id)
	if err != nil {
		return wire.SessionResponse{ErrorCode: wire.ErrGeneralError}
	}

	s := New(r.cfg.SessionConfig, id, clientID, result.Token.ID, sessionKey, serverSecret, v4, v6, r.cfg.MTU, r.cfg.MaxPacketChannelCount)
	s.SetAccessUsage(result.Usage)
	s.adRequirement = result.Token.AdRequirement

	r.mu.Lock()
	r.byID[id] = s
	r.byClient[clientID] = s
	r.mu.Unlock()

	if fm, ok := r.cfg.Access.(*access.FileManager); ok {
		fm.RegisterSession(result.Token.ID, id)
	}

	return wire.SessionResponse{
		ErrorCode:    wire.ErrOK,
		SuppressedTo: suppressed,
		AccessUsage:  usageToWire(result.Usage),
		SessionInfo: &wire.HelloResponse{
			SessionID:             id,
			SessionKey:            sessionKey,
			ServerSecret:          serverSecret,
			ProtocolVersion:       r.cfg.ProtocolVersion,
			UDPPort:               r.cfg.UDPPort,
			VirtualIPv4:           v4.String(),
			VirtualIPv6:           v6String(v6),
			MTU:                   r.cfg.MTU,
			MaxPacketChannelCount: r.cfg.MaxPacketChannelCount,
			IncludeIPRanges:       r.cfg.IncludeIPRanges,
			VPNAdapterIncludeIPRanges: r.cfg.VPNAdapterIncludeIPRanges,
			DNSServers:            r.cfg.DNSServers,
			ClientPublicAddress:   clientAddr.String(),
			AdRequirement:         result.Token.AdRequirement.String(),
			AccessUsage:           usageToWire(result.Usage),
		},
	}
}

// suppressExisting disposes any earlier session registered for clientID
// when the token forbids sharing, and reports the outcome to the caller:
// the new session being registered here is told suppressed_to=self (spec.md
// §4.6, §8 scenario 6). The earlier session is disposed without recording a
// session_suppressed error or a suppressed_to value of its own.
func (r *Registry) suppressExisting(clientID [16]byte, isPublic bool) wire.SuppressedTo {
	if isPublic {
		return wire.SuppressedNone
	}
	r.mu.Lock()
	old, ok := r.byClient[clientID]
	if ok {
		delete(r.byID, old.ID())
		delete(r.byClient, clientID)
	}
	r.mu.Unlock()
	if !ok {
		return wire.SuppressedNone
	}
	old.Dispose()
	return wire.SuppressedSelf
}

// SessionStatus answers an OpSessionStatus request with the session's
// current usage snapshot, re-validated against the AccessManager (spec.md
// §4.8 session_get, §8 scenario 1).
func (r *Registry) SessionStatus(ctx context.Context, req wire.SessionStatusRequest) wire.SessionResponse {
	s, ok := r.Get(req.SessionID)
	if !ok {
		return wire.SessionResponse{ErrorCode: wire.ErrSessionClosed}
	}
	result, err := r.cfg.Access.SessionGet(ctx, req.SessionID, s.TokenID())
	if err != nil {
		return wire.SessionResponse{ErrorCode: wire.ErrAccessError}
	}
	s.SetAccessUsage(result.Usage)
	return wire.SessionResponse{ErrorCode: toWireError(result.ErrorCode), AccessUsage: usageToWire(result.Usage)}
}

// RewardedAd passes the reported ad data to the AccessManager through
// SessionAddUsage (with zero traffic) and returns the refreshed usage
// (SUPPLEMENTED feature, spec.md §4.5 state waiting_for_ad). The server
// Session keeps no waiting_for_ad gate of its own for this to clear.
func (r *Registry) RewardedAd(ctx context.Context, req wire.RewardedAdRequest) wire.SessionResponse {
	s, ok := r.Get(req.SessionID)
	if !ok {
		return wire.SessionResponse{ErrorCode: wire.ErrSessionClosed}
	}
	result, err := r.cfg.Access.SessionAddUsage(ctx, req.SessionID, s.TokenID(), access.Traffic{}, req.AdData)
	if err != nil {
		return wire.SessionResponse{ErrorCode: wire.ErrAccessError}
	}
	s.SetAccessUsage(result.Usage)
	return wire.SessionResponse{ErrorCode: toWireError(result.ErrorCode), AccessUsage: usageToWire(result.Usage)}
}

// Bye tears a session down gracefully: final traffic is flushed to the
// AccessManager, the session is disposed, and its virtual IPs return to the
// pool (spec.md §4.5 Bye, §4.6).
func (r *Registry) Bye(ctx context.Context, req wire.ByeRequest) {
	s, ok := r.Get(req.SessionID)
	if !ok {
		return
	}
	r.remove(s)

	traffic := s.Traffic()
	_ = r.cfg.Access.SessionClose(ctx, s.ID(), s.TokenID(), access.Traffic{Sent: traffic.Sent, Received: traffic.Received})
	s.Dispose()
	r.cfg.IPs.Release(s.VirtualIPv4())
	r.cfg.IPs.Release(s.VirtualIPv6())
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	delete(r.byID, s.ID())
	delete(r.byClient, s.ClientID())
	r.mu.Unlock()
}

// Sweep drops already-disposed sessions and says Bye to sessions created
// more than idleTimeout ago that have no open packet channels, mirroring the teacher's periodic NAT/registry cleanup idiom
// (internal/core/packet_router.go's udpNATCleanup ticker).
func (r *Registry) Sweep(idleTimeout time.Duration) {
	now := time.Now()
	for _, s := range r.Snapshot() {
		if s.State() == core.SessionDisposed {
			r.remove(s)
			continue
		}
		if now.Sub(s.createdAt) > idleTimeout && s.tun.ChannelCount() == 0 {
			r.Bye(context.Background(), wire.ByeRequest{SessionID: s.ID()})
		}
	}
}

func decryptClientIDBytes(secret [16]byte, encrypted []byte) ([16]byte, error) {
	var out [16]byte
	if len(encrypted) != 16 {
		return out, fmt.Errorf("[server] encrypted client id must be 16 bytes, got %d", len(encrypted))
	}
	block, err := aes.NewCipher(secret[:])
	if err != nil {
		return out, fmt.Errorf("[server] aes cipher: %w", err)
	}
	block.Decrypt(out[:], encrypted)
	return out, nil
}

func toWireError(code core.ErrorCode) wire.ErrorCode {
	return wire.ErrorCode(code.String())
}

func usageToWire(u access.Usage) *wire.AccessUsage {
	return &wire.AccessUsage{
		SentBytes:     u.SentBytes,
		ReceivedBytes: u.ReceivedBytes,
		CreatedTime:   u.CreatedTime.Unix(),
		LastUsedTime:  u.LastUsedTime.Unix(),
		SchemaVersion: u.SchemaVersion,
	}
}

func v6String(v6 netip.Addr) string {
	if !v6.IsValid() {
		return ""
	}
	return v6.String()
}
