package core

import (
	"sync"
	"time"
)

// DropReporter counts per-packet failures (spec.md §7: "per-packet failures
// never tear down the session; they are counted and logged under a bounded
// reporter, de-dup within 10s"). Each distinct reason logs at most once per
// window; the counter keeps accumulating between log lines.
type DropReporter struct {
	window time.Duration

	mu      sync.Mutex
	counts  map[ErrorCode]int
	lastLog map[ErrorCode]time.Time
}

// NewDropReporter creates a reporter that de-dupes log lines within window
// (spec.md §7 uses 10s).
func NewDropReporter(window time.Duration) *DropReporter {
	return &DropReporter{
		window:  window,
		counts:  make(map[ErrorCode]int),
		lastLog: make(map[ErrorCode]time.Time),
	}
}

// Report records one occurrence of reason and logs a summary line at most
// once per window.
func (r *DropReporter) Report(tag string, reason ErrorCode) {
	r.mu.Lock()
	r.counts[reason]++
	count := r.counts[reason]
	last, seen := r.lastLog[reason]
	now := time.Now()
	shouldLog := !seen || now.Sub(last) >= r.window
	if shouldLog {
		r.lastLog[reason] = now
	}
	r.mu.Unlock()

	if shouldLog {
		Log.Warnf(tag, "%s: %d occurrence(s) in the last window", reason, count)
	}
}

// Snapshot returns a copy of the current per-reason counts.
func (r *DropReporter) Snapshot() map[ErrorCode]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[ErrorCode]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}
