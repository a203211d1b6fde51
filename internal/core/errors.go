package core

// ErrorCode is the shared client/server error taxonomy (spec.md §7).
// Request-level codes travel in SessionResponse; the local-only kinds
// below them never cross the wire and only annotate local drops.
type ErrorCode int

const (
	ErrOK ErrorCode = iota
	ErrSessionClosed
	ErrSessionSuppressed
	ErrAccessExpired
	ErrAccessTrafficOverflow
	ErrAccessError
	ErrRedirectHost
	ErrRewardedAdRejected
	ErrUnauthorizedAccess
	ErrGeneralError

	// Local-only kinds: never serialized in a SessionResponse.
	ErrPacketDrop
	ErrNetFilter
	ErrNetScan
	ErrMaxTCPChannel
	ErrMaxTCPConnectWait
	ErrChannelClosed
	ErrRedirectLoop
)

func (e ErrorCode) String() string {
	switch e {
	case ErrOK:
		return "ok"
	case ErrSessionClosed:
		return "session_closed"
	case ErrSessionSuppressed:
		return "session_suppressed"
	case ErrAccessExpired:
		return "access_expired"
	case ErrAccessTrafficOverflow:
		return "access_traffic_overflow"
	case ErrAccessError:
		return "access_error"
	case ErrRedirectHost:
		return "redirect_host"
	case ErrRewardedAdRejected:
		return "rewarded_ad_rejected"
	case ErrUnauthorizedAccess:
		return "unauthorized_access"
	case ErrGeneralError:
		return "general_error"
	case ErrPacketDrop:
		return "packet_drop"
	case ErrNetFilter:
		return "net_filter"
	case ErrNetScan:
		return "net_scan"
	case ErrMaxTCPChannel:
		return "max_tcp_channel"
	case ErrMaxTCPConnectWait:
		return "max_tcp_connect_wait"
	case ErrChannelClosed:
		return "channel_closed"
	case ErrRedirectLoop:
		return "redirect_loop"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler so ErrorCode round-trips as its
// wire name, matching the SessionResponse string field in spec.md §3.
func (e ErrorCode) MarshalJSON() ([]byte, error) {
	return []byte(`"` + e.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler for ErrorCode.
func (e *ErrorCode) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	*e = ParseErrorCode(s)
	return nil
}

// ParseErrorCode converts a wire name to an ErrorCode. Unknown values map to
// ErrGeneralError rather than failing decode, so a newer server talking to
// an older client degrades gracefully.
func ParseErrorCode(s string) ErrorCode {
	switch s {
	case "ok":
		return ErrOK
	case "session_closed":
		return ErrSessionClosed
	case "session_suppressed":
		return ErrSessionSuppressed
	case "access_expired":
		return ErrAccessExpired
	case "access_traffic_overflow":
		return ErrAccessTrafficOverflow
	case "access_error":
		return ErrAccessError
	case "redirect_host":
		return ErrRedirectHost
	case "rewarded_ad_rejected":
		return ErrRewardedAdRejected
	case "unauthorized_access":
		return ErrUnauthorizedAccess
	case "general_error":
		return ErrGeneralError
	case "packet_drop":
		return ErrPacketDrop
	case "net_filter":
		return ErrNetFilter
	case "net_scan":
		return ErrNetScan
	case "max_tcp_channel":
		return ErrMaxTCPChannel
	case "max_tcp_connect_wait":
		return ErrMaxTCPConnectWait
	case "channel_closed":
		return ErrChannelClosed
	case "redirect_loop":
		return ErrRedirectLoop
	default:
		return ErrGeneralError
	}
}

// IsTerminal reports whether this code, received on a request, must dispose
// the session (spec.md §7 Propagation policy).
func (e ErrorCode) IsTerminal() bool {
	switch e {
	case ErrAccessExpired, ErrAccessTrafficOverflow, ErrUnauthorizedAccess, ErrSessionSuppressed:
		return true
	default:
		return false
	}
}
