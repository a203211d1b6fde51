package client

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"vpntunnelcore/internal/core"
)

// ConnectionInfo is the JSON document the client persists after every
// session state transition (spec.md §6 Persisted connection state), named
// and shaped after the teacher's own state-file conventions.
type ConnectionInfo struct {
	ClientState   string    `json:"client_state"`
	APIEndpoint   string    `json:"api_endpoint,omitempty"`
	APIKey        string    `json:"api_key,omitempty"`
	SessionInfo   *sessionInfoSnapshot `json:"session_info,omitempty"`
	SessionStatus string    `json:"session_status,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedTime   time.Time `json:"created_time"`
}

type sessionInfoSnapshot struct {
	SessionID   uint64 `json:"session_id"`
	VirtualIPv4 string `json:"virtual_ip_v4,omitempty"`
	VirtualIPv6 string `json:"virtual_ip_v6,omitempty"`
	IsUDPMode   bool   `json:"is_udp_mode"`
}

// persistConnectionInfo writes the current session snapshot to
// cfg.ConnectionInfoPath, retrying briefly on transient write failures
// (spec.md §6: "writes use retry-with-timeout (2 s)"). A no-op if no path
// is configured. Errors are logged, never propagated: persistence is a
// best-effort side channel, not part of the state machine.
func (s *Session) persistConnectionInfo() {
	if s.cfg.ConnectionInfoPath == "" {
		return
	}

	s.mu.RLock()
	info := ConnectionInfo{
		ClientState: s.state.String(),
		CreatedTime: time.Now(),
	}
	if s.sessionID != 0 {
		info.SessionInfo = &sessionInfoSnapshot{
			SessionID:   s.sessionID,
			VirtualIPv4: s.virtualIPv4.String(),
			IsUDPMode:   s.hasUDP,
		}
		if s.virtualIPv6.IsValid() {
			info.SessionInfo.VirtualIPv6 = s.virtualIPv6.String()
		}
	}
	s.mu.RUnlock()

	body, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		core.Log.Warnf("session", "marshal connection info: %v", err)
		return
	}

	if err := writeFileRetry(s.cfg.ConnectionInfoPath, body, 2*time.Second); err != nil {
		core.Log.Warnf("session", "persist connection info: %v", err)
	}
}

// writeFileRetry writes b to path, retrying on failure until deadline
// elapses. Mirrors the teacher's openLogFile best-effort directory-create
// idiom (internal/core/logger.go), extended with a short retry loop for the
// write itself.
func writeFileRetry(path string, b []byte, deadline time.Duration) error {
	start := time.Now()
	var lastErr error
	for {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err == nil {
			if err := os.WriteFile(path, b, 0644); err == nil {
				return nil
			} else {
				lastErr = err
			}
		} else {
			lastErr = err
		}
		if time.Since(start) >= deadline {
			return lastErr
		}
		time.Sleep(100 * time.Millisecond)
	}
}
