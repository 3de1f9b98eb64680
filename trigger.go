// calltip/trigger.go
// Trigger deduplication: decides whether an event offset is a genuine new
// trigger or a duplicate of one already handled within a short window.
package calltip

import (
	"log/slog"
	"sync"
	"time"
)

// lastTrigger records the most recently accepted trigger for one editor.
type lastTrigger struct {
	offset int
	at     time.Time
}

// TriggerDeduplicator gates trigger candidates. A single logical keystroke
// may be reported through more than one channel (a direct key handler and a
// document-change observer); only one report must proceed.
//
// The per-editor state is an owned map injected at construction, never a
// package-level registry, so tests can instantiate isolated instances.
type TriggerDeduplicator struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]lastTrigger
	logger *slog.Logger
}

// NewTriggerDeduplicator creates a deduplicator with the given suppression
// window. A non-positive window falls back to the default.
func NewTriggerDeduplicator(window time.Duration, logger *slog.Logger) *TriggerDeduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = defaultDedupWindowMs * time.Millisecond
	}
	return &TriggerDeduplicator{
		window: window,
		last:   make(map[string]lastTrigger),
		logger: logger.With("component", "TriggerDeduplicator"),
	}
}

// ShouldTrigger reports whether the candidate at (editorID, offset) observed
// at now is a genuine new trigger. It returns false iff a previously accepted
// trigger exists whose timestamp is within the window of now and whose offset
// differs from the candidate by at most one. Accepted candidates are recorded
// as the new last-accepted trigger; rejected ones leave the record untouched.
func (d *TriggerDeduplicator) ShouldTrigger(editorID string, offset int, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, ok := d.last[editorID]
	if ok {
		elapsed := now.Sub(prev.at)
		delta := offset - prev.offset
		if delta < 0 {
			delta = -delta
		}
		if elapsed >= 0 && elapsed <= d.window && delta <= dedupOffsetTolerance {
			d.logger.Debug("Suppressed duplicate trigger", "editor", editorID, "offset", offset, "prev_offset", prev.offset, "elapsed", elapsed)
			return false
		}
	}

	d.last[editorID] = lastTrigger{offset: offset, at: now}
	return true
}

// Forget drops the recorded state for one editor, reopening its window.
// Called when a document is closed.
func (d *TriggerDeduplicator) Forget(editorID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, editorID)
}

// Reset clears all recorded triggers.
func (d *TriggerDeduplicator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = make(map[string]lastTrigger)
}
