package access

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// legacyToken is the pre-.token2 on-disk shape: no ad_requirement or
// is_public field, and the secret stored as a hex string instead of raw
// bytes. convertLegacyToken reads one and upgrades it in memory; the
// caller persists the result, matching the "read old shape, write new
// shape once, keep going" idiom of the teacher's config migrations
// (internal/core/config_migrate.go).
type legacyToken struct {
	ID         string  `json:"id"`
	SecretHex  string  `json:"secret"`
	Expiration *int64  `json:"expiration,omitempty"` // unix seconds
	MaxTraffic uint64  `json:"max_traffic,omitempty"`
	Name       string  `json:"name"`
}

// convertLegacyToken reads a legacy .token file at path and returns the
// equivalent current Token (spec.md §6: "Legacy .token files are
// auto-converted on open").
func convertLegacyToken(path string) (Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Token{}, fmt.Errorf("[access] read legacy token: %w", err)
	}
	var lt legacyToken
	if err := json.Unmarshal(data, &lt); err != nil {
		return Token{}, fmt.Errorf("[access] parse legacy token: %w", err)
	}

	raw, err := hex.DecodeString(lt.SecretHex)
	if err != nil || len(raw) != 16 {
		return Token{}, fmt.Errorf("[access] legacy token %s has a malformed secret", lt.ID)
	}
	var secret [16]byte
	copy(secret[:], raw)

	tok := Token{
		ID:         lt.ID,
		Secret:     secret,
		MaxTraffic: lt.MaxTraffic,
		Name:       lt.Name,
		// Legacy tokens predate ad gating and shareability; default to the
		// least restrictive behavior so existing deployments keep working.
		IsPublic: true,
	}
	if lt.Expiration != nil {
		t := time.Unix(*lt.Expiration, 0)
		tok.Expiration = &t
	}
	return tok, nil
}
