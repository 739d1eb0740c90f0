// ABOUTME: Sliding-window event counter keyed by an arbitrary string
// ABOUTME: Used to detect repeated signature failures on a single session

package replay

import (
	"sync"
	"time"
)

// FailureWindow counts events per key within a sliding time window.
// Timestamps older than the window are dropped on each access, so memory is
// bounded by the number of active keys times the counts within one window.
type FailureWindow struct {
	mu     sync.Mutex
	events map[string][]time.Time
	window time.Duration
}

// NewFailureWindow creates a counter with the given sliding window.
func NewFailureWindow(window time.Duration) *FailureWindow {
	return &FailureWindow{
		events: make(map[string][]time.Time),
		window: window,
	}
}

// Record registers one event for key and returns the number of events seen
// for that key within the window, including this one.
func (w *FailureWindow) Record(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.trimLocked(key, time.Now())
	kept = append(kept, time.Now())
	w.events[key] = kept
	return len(kept)
}

// Count returns the number of events for key within the window.
func (w *FailureWindow) Count(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.trimLocked(key, time.Now()))
}

// Reset forgets all events for key.
func (w *FailureWindow) Reset(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.events, key)
}

// trimLocked drops timestamps outside the window and returns the remainder.
// Must be called with mu held.
func (w *FailureWindow) trimLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-w.window)
	kept := w.events[key][:0]
	for _, ts := range w.events[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(w.events, key)
		return nil
	}
	w.events[key] = kept
	return kept
}
