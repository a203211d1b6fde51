package access

import (
	"context"
	"os"
	"testing"

	"vpntunnelcore/internal/core"
)

func newTestManager(t *testing.T) *FileManager {
	t.Helper()
	m, err := NewFileManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileManager: %v", err)
	}
	return m
}

func TestSessionAddUnauthorizedWhenTokenMissing(t *testing.T) {
	m := newTestManager(t)
	res, err := m.SessionAdd(context.Background(), SessionAddRequest{TokenID: "missing"})
	if err == nil {
		t.Fatal("expected error for missing token")
	}
	if res.ErrorCode != core.ErrUnauthorizedAccess {
		t.Fatalf("ErrorCode = %v, want ErrUnauthorizedAccess", res.ErrorCode)
	}
}

func TestSessionAddAndUsageOverflow(t *testing.T) {
	m := newTestManager(t)
	tok := Token{ID: "tok1", MaxTraffic: 100}
	if err := m.CreateToken(tok); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	res, err := m.SessionAdd(context.Background(), SessionAddRequest{TokenID: "tok1"})
	if err != nil {
		t.Fatalf("SessionAdd: %v", err)
	}
	if res.ErrorCode != core.ErrOK {
		t.Fatalf("ErrorCode = %v, want ok", res.ErrorCode)
	}

	res, err = m.SessionAddUsage(context.Background(), 1, "tok1", Traffic{Sent: 60, Received: 60}, "")
	if err != nil {
		t.Fatalf("SessionAddUsage: %v", err)
	}
	if res.ErrorCode != core.ErrAccessTrafficOverflow {
		t.Fatalf("ErrorCode = %v, want access_traffic_overflow after exceeding max_traffic", res.ErrorCode)
	}
}

func TestSessionAddRespectsMaxClientCount(t *testing.T) {
	m := newTestManager(t)
	tok := Token{ID: "tok2", MaxClientCount: 1}
	if err := m.CreateToken(tok); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	if _, err := m.SessionAdd(context.Background(), SessionAddRequest{TokenID: "tok2"}); err != nil {
		t.Fatalf("SessionAdd: %v", err)
	}
	m.RegisterSession("tok2", 1)

	res, err := m.SessionAdd(context.Background(), SessionAddRequest{TokenID: "tok2"})
	if err != nil {
		t.Fatalf("SessionAdd: %v", err)
	}
	if res.ErrorCode != core.ErrUnauthorizedAccess {
		t.Fatalf("ErrorCode = %v, want unauthorized_access once max_client_count is reached", res.ErrorCode)
	}
}

func TestSessionCloseClearsActiveSession(t *testing.T) {
	m := newTestManager(t)
	tok := Token{ID: "tok3"}
	if err := m.CreateToken(tok); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	m.RegisterSession("tok3", 42)
	if err := m.SessionClose(context.Background(), 42, "tok3", Traffic{Sent: 10, Received: 20}); err != nil {
		t.Fatalf("SessionClose: %v", err)
	}
	if _, ok := m.activeSessions["tok3"]; ok {
		t.Fatal("expected activeSessions entry to be cleared after close")
	}
}

func TestConvertLegacyToken(t *testing.T) {
	dir := t.TempDir()
	legacyPath := dir + "/legacy1.token"
	contents := []byte(`{"id":"legacy1","secret":"00112233445566778899aabbccddeeff","max_traffic":500,"name":"old"}`)
	if err := os.WriteFile(legacyPath, contents, 0o600); err != nil {
		t.Fatalf("write legacy file: %v", err)
	}

	tok, err := convertLegacyToken(legacyPath)
	if err != nil {
		t.Fatalf("convertLegacyToken: %v", err)
	}
	if tok.ID != "legacy1" || tok.MaxTraffic != 500 || !tok.IsPublic {
		t.Fatalf("unexpected converted token: %+v", tok)
	}
}
