package access

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vpntunnelcore/internal/core"
)

// FileManager is the file-backed AccessManager reference implementation
// (spec.md §4.8, §6): one <id>.token2 and one <id>.usage JSON file per
// token under StoragePath, each read-modify-written under the token's
// named lock. Legacy <id>.token files are auto-converted on first open
// (spec.md §6, SUPPLEMENTED feature).
type FileManager struct {
	dir string
	km  *keyedMutex

	sessionsMu     sync.Mutex
	activeSessions map[string]map[uint64]struct{} // tokenID -> session ids
}

// NewFileManager opens (creating if needed) a file-backed AccessManager
// rooted at dir (spec.md §6 Environment storage_path).
func NewFileManager(dir string) (*FileManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("[access] create storage dir %s: %w", dir, err)
	}
	return &FileManager{
		dir:            dir,
		km:             newKeyedMutex(),
		activeSessions: make(map[string]map[uint64]struct{}),
	}, nil
}

func (m *FileManager) tokenPath(id string) string { return filepath.Join(m.dir, id+".token2") }
func (m *FileManager) usagePath(id string) string { return filepath.Join(m.dir, id+".usage") }
func (m *FileManager) legacyPath(id string) string { return filepath.Join(m.dir, id+".token") }

// loadToken reads a token's .token2 file, transparently upgrading a legacy
// .token file on first access (spec.md §6).
func (m *FileManager) loadToken(id string) (Token, error) {
	data, err := os.ReadFile(m.tokenPath(id))
	if err == nil {
		var tok Token
		if jerr := json.Unmarshal(data, &tok); jerr != nil {
			return Token{}, fmt.Errorf("[access] parse token %s: %w", id, jerr)
		}
		return tok, nil
	}
	if !os.IsNotExist(err) {
		return Token{}, fmt.Errorf("[access] read token %s: %w", id, err)
	}

	tok, convErr := convertLegacyToken(m.legacyPath(id))
	if convErr != nil {
		return Token{}, fmt.Errorf("[access] token %s not found: %w", id, err)
	}
	if werr := m.saveToken(tok); werr != nil {
		core.Log.Warnf("Access", "converted legacy token %s but failed to persist .token2: %v", id, werr)
	}
	return tok, nil
}

func (m *FileManager) saveToken(tok Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("[access] marshal token %s: %w", tok.ID, err)
	}
	return os.WriteFile(m.tokenPath(tok.ID), data, 0o600)
}

func (m *FileManager) loadUsage(id string) (Usage, error) {
	data, err := os.ReadFile(m.usagePath(id))
	if os.IsNotExist(err) {
		now := time.Now()
		return Usage{CreatedTime: now, LastUsedTime: now, SchemaVersion: currentUsageSchema}, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("[access] read usage %s: %w", id, err)
	}
	var u Usage
	if err := json.Unmarshal(data, &u); err != nil {
		return Usage{}, fmt.Errorf("[access] parse usage %s: %w", id, err)
	}
	if u.SchemaVersion == 0 {
		u.SchemaVersion = currentUsageSchema
	}
	return u, nil
}

func (m *FileManager) saveUsage(id string, u Usage) error {
	data, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return fmt.Errorf("[access] marshal usage %s: %w", id, err)
	}
	return os.WriteFile(m.usagePath(id), data, 0o600)
}

// SessionAdd authorizes req.TokenID and registers the resulting session id
// against it for max_client_count accounting (spec.md §4.6, §4.8).
func (m *FileManager) SessionAdd(ctx context.Context, req SessionAddRequest) (SessionAddResult, error) {
	unlock := m.km.Lock(req.TokenID)
	defer unlock()

	tok, err := m.loadToken(req.TokenID)
	if err != nil {
		return SessionAddResult{ErrorCode: core.ErrUnauthorizedAccess}, err
	}
	usage, err := m.loadUsage(req.TokenID)
	if err != nil {
		return SessionAddResult{ErrorCode: core.ErrAccessError}, err
	}

	now := time.Now()
	if code := evaluate(tok, usage, now); code != core.ErrOK {
		return SessionAddResult{Token: tok, Usage: usage, ErrorCode: code}, nil
	}

	if tok.MaxClientCount > 0 {
		m.sessionsMu.Lock()
		n := len(m.activeSessions[tok.ID])
		m.sessionsMu.Unlock()
		if n >= tok.MaxClientCount {
			return SessionAddResult{Token: tok, Usage: usage, ErrorCode: core.ErrUnauthorizedAccess}, nil
		}
	}

	usage.LastUsedTime = now
	if err := m.saveUsage(tok.ID, usage); err != nil {
		return SessionAddResult{Token: tok, Usage: usage, ErrorCode: core.ErrAccessError}, err
	}

	return SessionAddResult{Token: tok, Usage: usage, ErrorCode: core.ErrOK}, nil
}

// RegisterSession records sessionID as active against tokenID once the
// server Session layer has actually assigned it. It makes no suppression
// decision: deciding on and disposing an older Session object is the server Session
// registry's job (spec.md §4.6, keyed by client_id there, not here); this
// bookkeeping only feeds max_client_count.
func (m *FileManager) RegisterSession(tokenID string, sessionID uint64) {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	if m.activeSessions[tokenID] == nil {
		m.activeSessions[tokenID] = make(map[uint64]struct{})
	}
	m.activeSessions[tokenID][sessionID] = struct{}{}
}

// SessionGet re-reads the token/usage pair for an already-authorized
// session (spec.md §4.8 session_get).
func (m *FileManager) SessionGet(ctx context.Context, sessionID uint64, tokenID string) (SessionAddResult, error) {
	unlock := m.km.Lock(tokenID)
	defer unlock()

	tok, err := m.loadToken(tokenID)
	if err != nil {
		return SessionAddResult{ErrorCode: core.ErrUnauthorizedAccess}, err
	}
	usage, err := m.loadUsage(tokenID)
	if err != nil {
		return SessionAddResult{ErrorCode: core.ErrAccessError}, err
	}
	code := evaluate(tok, usage, time.Now())
	return SessionAddResult{Token: tok, Usage: usage, ErrorCode: code}, nil
}

// SessionAddUsage adds traffic to tokenID's usage record and re-evaluates
// quota (spec.md §4.6 Traffic accounting, §4.8 session_add_usage). adData
// is accepted but unused by the file store; it exists for managers that
// credit rewarded-ad views against quota.
func (m *FileManager) SessionAddUsage(ctx context.Context, sessionID uint64, tokenID string, traffic Traffic, adData string) (SessionAddResult, error) {
	unlock := m.km.Lock(tokenID)
	defer unlock()

	tok, err := m.loadToken(tokenID)
	if err != nil {
		return SessionAddResult{ErrorCode: core.ErrUnauthorizedAccess}, err
	}
	usage, err := m.loadUsage(tokenID)
	if err != nil {
		return SessionAddResult{ErrorCode: core.ErrAccessError}, err
	}

	usage.SentBytes += traffic.Sent
	usage.ReceivedBytes += traffic.Received
	usage.LastUsedTime = time.Now()

	if err := m.saveUsage(tokenID, usage); err != nil {
		return SessionAddResult{Token: tok, Usage: usage, ErrorCode: core.ErrAccessError}, err
	}

	code := evaluate(tok, usage, time.Now())
	return SessionAddResult{Token: tok, Usage: usage, ErrorCode: code}, nil
}

// SessionClose records the session's final traffic and drops it from the
// active-session set (spec.md §4.8 session_close).
func (m *FileManager) SessionClose(ctx context.Context, sessionID uint64, tokenID string, traffic Traffic) error {
	unlock := m.km.Lock(tokenID)
	defer unlock()

	usage, err := m.loadUsage(tokenID)
	if err != nil {
		return err
	}
	usage.SentBytes += traffic.Sent
	usage.ReceivedBytes += traffic.Received
	usage.LastUsedTime = time.Now()
	err = m.saveUsage(tokenID, usage)

	m.sessionsMu.Lock()
	delete(m.activeSessions[tokenID], sessionID)
	if len(m.activeSessions[tokenID]) == 0 {
		delete(m.activeSessions, tokenID)
	}
	m.sessionsMu.Unlock()

	return err
}

// CreateToken writes a brand new token file, for CLI/test setup use.
func (m *FileManager) CreateToken(tok Token) error {
	unlock := m.km.Lock(tok.ID)
	defer unlock()
	return m.saveToken(tok)
}

var _ Manager = (*FileManager)(nil)
