package wire

// ErrorCode mirrors core.ErrorCode's wire names but is declared independently
// here to keep this package import-free of internal/core (it marshals as the
// plain string the wire format expects). Callers convert to/from
// core.ErrorCode at the session boundary.
type ErrorCode string

const (
	ErrOK                     ErrorCode = "ok"
	ErrSessionClosed          ErrorCode = "session_closed"
	ErrSessionSuppressed      ErrorCode = "session_suppressed"
	ErrAccessExpired          ErrorCode = "access_expired"
	ErrAccessTrafficOverflow  ErrorCode = "access_traffic_overflow"
	ErrAccessError            ErrorCode = "access_error"
	ErrRedirectHost           ErrorCode = "redirect_host"
	ErrRewardedAdRejected     ErrorCode = "rewarded_ad_rejected"
	ErrUnauthorizedAccess     ErrorCode = "unauthorized_access"
	ErrGeneralError           ErrorCode = "general_error"
)

// SuppressedTo is the wire representation of core.SuppressedTo.
type SuppressedTo string

const (
	SuppressedNone  SuppressedTo = "none"
	SuppressedSelf  SuppressedTo = "self"
	SuppressedOther SuppressedTo = "other"
)

// ClientInfo identifies the connecting client software (spec.md §4.5 hello).
type ClientInfo struct {
	Version    string `json:"version"`
	MinProto   int    `json:"min_proto"`
	MaxProto   int    `json:"max_proto"`
	UserAgent  string `json:"user_agent"`
}

// HelloRequest is the OpHello body (spec.md §4.5).
type HelloRequest struct {
	EncryptedClientID []byte     `json:"encrypted_client_id"`
	ClientInfo        ClientInfo `json:"client_info"`
	TokenID           string     `json:"token_id"`
	ServerLocation    string     `json:"server_location,omitempty"`
	PlanID            string     `json:"plan_id,omitempty"`
	AccessCode        string     `json:"access_code,omitempty"`
	AllowRedirect     bool       `json:"allow_redirect"`
	IsIPv6Supported   bool       `json:"is_ipv6_supported"`
}

// HelloResponse is carried inside SessionResponse.SessionInfo once a hello
// succeeds (spec.md §4.5).
type HelloResponse struct {
	SessionID             uint64   `json:"session_id"`
	SessionKey            [16]byte `json:"session_key"`
	ServerSecret          [16]byte `json:"server_secret"`
	ProtocolVersion       int      `json:"protocol_version"`
	UDPPort               int      `json:"udp_port,omitempty"`
	VirtualIPv4           string   `json:"virtual_ip_v4"`
	VirtualIPv6           string   `json:"virtual_ip_v6,omitempty"`
	MTU                   int      `json:"mtu"`
	MaxPacketChannelCount int      `json:"max_packet_channel_count"`
	IncludeIPRanges       []string `json:"include_ip_ranges,omitempty"`
	VPNAdapterIncludeIPRanges []string `json:"vpn_adapter_include_ip_ranges,omitempty"`
	DNSServers            []string `json:"dns_servers,omitempty"`
	ClientPublicAddress   string   `json:"client_public_address"`
	AdRequirement         string   `json:"ad_requirement"`
	AccessUsage           *AccessUsage `json:"access_usage,omitempty"`
}

// AccessUsage is the wire form of an AccessTokenUsage snapshot (spec.md §3).
type AccessUsage struct {
	SentBytes     uint64 `json:"sent_bytes"`
	ReceivedBytes uint64 `json:"received_bytes"`
	CreatedTime   int64  `json:"created_time"`
	LastUsedTime  int64  `json:"last_used_time"`
	SchemaVersion int    `json:"schema_version"`
}

// ByeRequest is the OpBye body (spec.md §4.5).
type ByeRequest struct {
	SessionID uint64 `json:"session_id"`
}

// SessionStatusRequest is the OpSessionStatus body (spec.md §4.6, §8 scenario 1).
type SessionStatusRequest struct {
	SessionID uint64 `json:"session_id"`
}

// RewardedAdRequest is the OpRewardedAd body (spec.md §4.5, SUPPLEMENTED
// rewarded-ad gating feature).
type RewardedAdRequest struct {
	SessionID uint64 `json:"session_id"`
	AdData    string `json:"ad_data,omitempty"`
}

// TCPPacketChannelRequest is the OpTCPPacketChannel body (spec.md §4.5
// channel management).
type TCPPacketChannelRequest struct {
	SessionID   uint64 `json:"session_id"`
	Lifespan    int64  `json:"lifespan_ms,omitempty"`
}

// StreamProxyRequest is the OpStreamProxy body (spec.md §4.2 ProxyChannel
// bootstrap).
type StreamProxyRequest struct {
	SessionID  uint64 `json:"session_id"`
	TargetHost string `json:"target_host"`
	TargetPort uint16 `json:"target_port"`
}

// UDPPacketRequest is the OpUDPPacket body, used only to negotiate the UDP
// transport endpoint; actual datagrams use the UDPDatagram framing below
// (spec.md §4.1, §6).
type UDPPacketRequest struct {
	SessionID uint64 `json:"session_id"`
}

// RedirectEndpoint is one candidate in a SessionResponse's redirect list
// (spec.md §3, §4.4).
type RedirectEndpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// SessionResponse is the universal response envelope (spec.md §3, §6).
type SessionResponse struct {
	ErrorCode    ErrorCode           `json:"error_code"`
	AccessUsage  *AccessUsage        `json:"access_usage,omitempty"`
	RedirectHost []RedirectEndpoint  `json:"redirect_host,omitempty"`
	SuppressedTo SuppressedTo        `json:"suppressed_to,omitempty"`
	SessionInfo  *HelloResponse      `json:"session_info,omitempty"`
}

// OK reports whether the response's error code indicates success.
func (r SessionResponse) OK() bool { return r.ErrorCode == ErrOK }
