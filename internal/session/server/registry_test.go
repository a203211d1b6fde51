package server

import (
	"context"
	"crypto/aes"
	"net/netip"
	"testing"

	"vpntunnelcore/internal/access"
	"vpntunnelcore/internal/core"
	"vpntunnelcore/internal/wire"
)

// fakeManager is a minimal in-memory access.Manager for exercising Registry
// without touching the filesystem-backed FileManager.
type fakeManager struct {
	token access.Token
	usage access.Usage
}

func (f *fakeManager) SessionAdd(ctx context.Context, req access.SessionAddRequest) (access.SessionAddResult, error) {
	if req.TokenID != f.token.ID {
		return access.SessionAddResult{ErrorCode: core.ErrUnauthorizedAccess}, nil
	}
	return access.SessionAddResult{Token: f.token, Usage: f.usage, ErrorCode: core.ErrOK}, nil
}

func (f *fakeManager) SessionGet(ctx context.Context, sessionID uint64, tokenID string) (access.SessionAddResult, error) {
	return access.SessionAddResult{Token: f.token, Usage: f.usage, ErrorCode: core.ErrOK}, nil
}

func (f *fakeManager) SessionAddUsage(ctx context.Context, sessionID uint64, tokenID string, traffic access.Traffic, adData string) (access.SessionAddResult, error) {
	f.usage.SentBytes += traffic.Sent
	f.usage.ReceivedBytes += traffic.Received
	return access.SessionAddResult{Token: f.token, Usage: f.usage, ErrorCode: core.ErrOK}, nil
}

func (f *fakeManager) SessionClose(ctx context.Context, sessionID uint64, tokenID string, traffic access.Traffic) error {
	return nil
}

func encryptedClientID(t *testing.T, secret, clientID [16]byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(secret[:])
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	out := make([]byte, 16)
	block.Encrypt(out, clientID[:])
	return out
}

func newTestRegistry(mgr access.Manager) *Registry {
	return NewRegistry(RegistryConfig{
		SessionConfig:         Config{},
		Access:                mgr,
		IPs:                   NewIPAllocator(netip.MustParseAddr("10.255.0.0"), 250, netip.Addr{}),
		MTU:                   1400,
		MaxPacketChannelCount: 8,
		ProtocolVersion:       1,
	})
}

func TestRegistryHelloAuthorizesAndAssignsSession(t *testing.T) {
	secret := [16]byte{1, 2, 3}
	mgr := &fakeManager{token: access.Token{ID: "tok", Secret: secret}}
	r := newTestRegistry(mgr)

	clientID := [16]byte{9, 9, 9}
	req := wire.HelloRequest{
		EncryptedClientID: encryptedClientID(t, secret, clientID),
		ClientInfo:        wire.ClientInfo{MinProto: 1, MaxProto: 1},
		TokenID:           "tok",
	}

	resp := r.Hello(context.Background(), req, netip.MustParseAddr("203.0.113.9"))
	if !resp.OK() {
		t.Fatalf("expected hello to succeed, got error %s", resp.ErrorCode)
	}
	if resp.SessionInfo == nil {
		t.Fatal("expected session info to be populated")
	}
	if _, ok := r.Get(resp.SessionInfo.SessionID); !ok {
		t.Fatal("expected the new session to be registered")
	}
}

func TestRegistryHelloRejectsUnknownToken(t *testing.T) {
	mgr := &fakeManager{token: access.Token{ID: "tok", Secret: [16]byte{1}}}
	r := newTestRegistry(mgr)

	req := wire.HelloRequest{
		EncryptedClientID: encryptedClientID(t, [16]byte{1}, [16]byte{2}),
		ClientInfo:        wire.ClientInfo{MinProto: 1, MaxProto: 1},
		TokenID:           "not-tok",
	}
	resp := r.Hello(context.Background(), req, netip.Addr{})
	if resp.OK() {
		t.Fatal("expected hello for an unknown token to fail")
	}
}

func TestRegistrySuppressesPriorSessionForSameClient(t *testing.T) {
	secret := [16]byte{1, 2, 3}
	mgr := &fakeManager{token: access.Token{ID: "tok", Secret: secret, IsPublic: false}}
	r := newTestRegistry(mgr)

	clientID := [16]byte{5, 5, 5}
	req := wire.HelloRequest{
		EncryptedClientID: encryptedClientID(t, secret, clientID),
		ClientInfo:        wire.ClientInfo{MinProto: 1, MaxProto: 1},
		TokenID:           "tok",
	}

	first := r.Hello(context.Background(), req, netip.Addr{})
	if !first.OK() {
		t.Fatalf("expected first hello to succeed, got %s", first.ErrorCode)
	}
	firstID := first.SessionInfo.SessionID

	second := r.Hello(context.Background(), req, netip.Addr{})
	if !second.OK() {
		t.Fatalf("expected second hello to succeed, got %s", second.ErrorCode)
	}
	if second.SuppressedTo != wire.SuppressedSelf {
		t.Fatalf("suppressed_to = %s, want %s", second.SuppressedTo, wire.SuppressedSelf)
	}
	if _, ok := r.Get(firstID); ok {
		t.Fatal("expected the first session to be disposed and removed from the registry")
	}
}

func TestRegistryByeRemovesSession(t *testing.T) {
	secret := [16]byte{1, 2, 3}
	mgr := &fakeManager{token: access.Token{ID: "tok", Secret: secret}}
	r := newTestRegistry(mgr)

	clientID := [16]byte{7}
	req := wire.HelloRequest{
		EncryptedClientID: encryptedClientID(t, secret, clientID),
		ClientInfo:        wire.ClientInfo{MinProto: 1, MaxProto: 1},
		TokenID:           "tok",
	}
	resp := r.Hello(context.Background(), req, netip.Addr{})
	if !resp.OK() {
		t.Fatalf("hello: %s", resp.ErrorCode)
	}

	r.Bye(context.Background(), wire.ByeRequest{SessionID: resp.SessionInfo.SessionID})
	if _, ok := r.Get(resp.SessionInfo.SessionID); ok {
		t.Fatal("expected bye to remove the session from the registry")
	}
}
