package connector

import (
	"testing"
	"time"

	"vpntunnelcore/internal/wire"
)

func TestRequestTimeoutDebuggerOverride(t *testing.T) {
	c := New(Config{RequestTimeout: 2 * time.Second})
	defer c.Close()

	if got := c.requestTimeout(); got != 2*time.Second {
		t.Fatalf("requestTimeout() = %v, want 2s", got)
	}

	c.cfg.DebuggerAttached = true
	if got := c.requestTimeout(); got != 20*time.Second {
		t.Fatalf("debugger-attached requestTimeout() = %v, want 20s", got)
	}
}

func TestRequestTimeoutDefault(t *testing.T) {
	c := New(Config{})
	defer c.Close()
	if got := c.requestTimeout(); got != 10*time.Second {
		t.Fatalf("default requestTimeout() = %v, want 10s", got)
	}
}

func TestFollowRedirectOnceThenFatal(t *testing.T) {
	c := New(Config{Host: "a.example", Port: 1})
	defer c.Close()

	if err := c.FollowRedirect(wire.RedirectEndpoint{Host: "b.example", Port: 2}); err != nil {
		t.Fatalf("first redirect should succeed: %v", err)
	}
	if c.cfg.Host != "b.example" || c.cfg.Port != 2 {
		t.Fatalf("connector did not retarget to redirect candidate: %+v", c.cfg)
	}

	if err := c.FollowRedirect(wire.RedirectEndpoint{Host: "c.example", Port: 3}); err != ErrRedirectLoop {
		t.Fatalf("second redirect should be fatal, got %v", err)
	}
}
