package core

import (
	"path/filepath"
	"testing"
	"time"
)

func TestClientConfigManagerWritesDefaultsOnFirstLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	cm := NewClientConfigManager(path, nil)
	if err := cm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := cm.Get()
	want := DefaultClientConfig()
	if got.ReconnectTimeout != want.ReconnectTimeout {
		t.Errorf("ReconnectTimeout = %v, want %v", got.ReconnectTimeout, want.ReconnectTimeout)
	}

	cm2 := NewClientConfigManager(path, nil)
	if err := cm2.Load(); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if cm2.Get().ReconnectTimeout != want.ReconnectTimeout {
		t.Error("reloading the persisted default config did not round-trip")
	}
}

func TestServerConfigManagerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	bus := NewEventBus()
	reloaded := make(chan struct{}, 1)
	bus.Subscribe(EventConfigReloaded, func(Event) { reloaded <- struct{}{} })

	cm := NewServerConfigManager(path, bus)
	if err := cm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	select {
	case <-reloaded:
	case <-time.After(time.Second):
		t.Fatal("expected EventConfigReloaded after Load")
	}

	cm.mu.Lock()
	cm.config.ListenAddr = ":9443"
	cm.mu.Unlock()
	if err := cm.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cm2 := NewServerConfigManager(path, nil)
	if err := cm2.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cm2.Get().ListenAddr != ":9443" {
		t.Errorf("ListenAddr = %q, want %q", cm2.Get().ListenAddr, ":9443")
	}
}
