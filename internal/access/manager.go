package access

import (
	"context"
	"time"

	"vpntunnelcore/internal/core"
)

// Traffic is the sent/received pair an AccessManager accumulates per
// session (spec.md §3 AccessTokenUsage). Declared locally rather than
// imported from internal/channel so this package stays a narrow interface
// boundary, matching internal/wire's "import-free of internal/core" rule.
type Traffic struct {
	Sent     uint64
	Received uint64
}

// SessionAddRequest is what the server Session gathers from a Hello
// request before asking the AccessManager to authorize it (spec.md §4.5
// Hello, §4.8 session_add).
type SessionAddRequest struct {
	ClientID          [16]byte
	EncryptedClientID []byte
	TokenID           string
	ServerLocation    string
	PlanID            string
	AccessCode        string
}

// SessionAddResult is the AccessManager's answer to session_add/session_get
// (spec.md §4.8): the authorized token, its current usage snapshot, and an
// error code the caller folds into the wire SessionResponse. FileManager
// leaves Suppressed at its zero value; the server Session registry works out
// suppression by client id itself (SUPPLEMENTED feature, spec.md §4.6, §8
// scenario 6).
type SessionAddResult struct {
	Token      Token
	Usage      Usage
	ErrorCode  core.ErrorCode
	Suppressed core.SuppressedTo
}

// Manager is the external authority the tunnel core consumes but does not
// implement (spec.md §2 component 8, §4.8). It authorizes sessions, tracks
// usage, and issues access tokens; the core only calls these four
// operations.
type Manager interface {
	// SessionAdd authorizes a new session for req.TokenID, returning the
	// matching error code (ok, access_expired, access_traffic_overflow,
	// unauthorized_access, ...) per spec.md §4.6 Hello handling.
	SessionAdd(ctx context.Context, req SessionAddRequest) (SessionAddResult, error)

	// SessionGet re-fetches a previously authorized session's token/usage,
	// e.g. to answer a session_status request (spec.md §4.8).
	SessionGet(ctx context.Context, sessionID uint64, tokenID string) (SessionAddResult, error)

	// SessionAddUsage records newly observed traffic against tokenID and
	// returns the updated usage plus any quota-triggered error code
	// (spec.md §4.6 Traffic accounting, §4.8).
	SessionAddUsage(ctx context.Context, sessionID uint64, tokenID string, traffic Traffic, adData string) (SessionAddResult, error)

	// SessionClose records final traffic and releases any manager-side
	// session bookkeeping (spec.md §4.8).
	SessionClose(ctx context.Context, sessionID uint64, tokenID string, traffic Traffic) error
}

// evaluate applies the quota/expiration checks common to SessionAdd,
// SessionGet, and SessionAddUsage against a freshly loaded token+usage
// pair (spec.md §4.6 Hello handling: "rejects with the appropriate error
// code if missing/expired/quota-exceeded").
func evaluate(tok Token, usage Usage, now time.Time) core.ErrorCode {
	if tok.Expired(now) {
		return core.ErrAccessExpired
	}
	if tok.MaxTraffic > 0 && usage.TotalTraffic() > tok.MaxTraffic {
		return core.ErrAccessTrafficOverflow
	}
	return core.ErrOK
}
