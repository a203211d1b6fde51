package iprange

import (
	"net/netip"
	"testing"
)

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%q): %v", s, err)
	}
	return a
}

func TestFilterContains(t *testing.T) {
	f, err := New([]string{"10.0.0.0/8", "192.168.1.0/24"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"10.255.255.255", true},
		{"9.255.255.255", false},
		{"192.168.1.1", true},
		{"192.168.2.1", false},
		{"8.8.8.8", false},
	}
	for _, c := range cases {
		got := f.Contains(mustAddr(t, c.ip))
		if got != c.want {
			t.Errorf("Contains(%s) = %v, want %v", c.ip, got, c.want)
		}
	}
}

func TestFilterMergesOverlapping(t *testing.T) {
	f, err := New([]string{"10.0.0.0/24", "10.0.0.128/25", "10.0.1.0/24"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if f.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (overlapping /24 and /25 should merge, adjacent /24 stays separate)", f.Len())
	}
}

func TestFilterCacheFlush(t *testing.T) {
	f, err := New([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.mu.Lock()
	for i := 0; i < 65535; i++ {
		f.cache[netip.AddrFrom4([4]byte{byte(i >> 8), byte(i), 0, 0})] = true
	}
	f.mu.Unlock()

	f.Contains(mustAddr(t, "172.16.0.1"))

	if f.CacheSize() > 2 {
		t.Errorf("expected cache to have been flushed, got size %d", f.CacheSize())
	}
}

func TestFilterEmpty(t *testing.T) {
	f, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if f.Contains(mustAddr(t, "1.1.1.1")) {
		t.Errorf("empty filter should contain nothing")
	}
}
