// Package access implements the AccessManager interface the tunnel core
// consumes (spec.md §4.8, §6) plus a file-backed reference implementation:
// one JSON ".token2" and one ".usage" file per token, each mutated under a
// per-token exclusive lock (spec.md §3 AccessTokenUsage, §5 Shared resources).
package access

import (
	"time"

	"vpntunnelcore/internal/core"
)

// Token is the identity issued out of band and consumed read-only by
// sessions (spec.md §3 AccessToken).
type Token struct {
	ID            string        `json:"id"`
	Secret        [16]byte      `json:"secret"`
	Expiration    *time.Time    `json:"expiration,omitempty"`
	MaxTraffic    uint64        `json:"max_traffic,omitempty"`
	MaxClientCount int          `json:"max_client_count,omitempty"`
	AdRequirement core.AdRequirement `json:"ad_requirement"`
	Name          string        `json:"name"`

	// IsPublic mirrors VpnHood's non-shareable-token concept (SUPPLEMENTED
	// feature, spec.md §4.6 hello handling / "token policy says so"): when
	// false, a second client connecting with the same client_id suppresses
	// the first session; when true, both sessions coexist.
	IsPublic bool `json:"is_public,omitempty"`
}

// Usage is the per-token usage record (spec.md §3 AccessTokenUsage).
type Usage struct {
	SentBytes     uint64    `json:"sent_bytes"`
	ReceivedBytes uint64    `json:"received_bytes"`
	CreatedTime   time.Time `json:"created_time"`
	LastUsedTime  time.Time `json:"last_used_time"`
	SchemaVersion int       `json:"schema_version"`
}

// currentUsageSchema is bumped whenever Usage's on-disk shape changes.
const currentUsageSchema = 1

// TotalTraffic returns sent+received, the figure compared against
// Token.MaxTraffic for quota enforcement.
func (u Usage) TotalTraffic() uint64 {
	return u.SentBytes + u.ReceivedBytes
}

// Expired reports whether t has passed its expiration instant, if any.
func (t Token) Expired(now time.Time) bool {
	return t.Expiration != nil && now.After(*t.Expiration)
}
