package ratelimit

import (
	"sync"
	"time"
)

// Window is a sliding-window event counter: Allow succeeds while fewer than
// capacity events happened in the trailing window length. Entries older than
// the window are pruned lazily on each call — there is no background sweeper.
type Window struct {
	mu       sync.Mutex
	capacity int
	length   time.Duration
	events   []time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewWindow creates a sliding-window counter.
// capacity <= 0 means unlimited (Allow always succeeds).
func NewWindow(capacity int, length time.Duration) *Window {
	return &Window{
		capacity: capacity,
		length:   length,
		now:      time.Now,
	}
}

// Allow records one event if the window has room, or returns ErrRateLimited
// without recording anything.
func (w *Window) Allow() error {
	if w.capacity <= 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)
	if len(w.events) >= w.capacity {
		return ErrRateLimited
	}
	w.events = append(w.events, now)
	return nil
}

// Count returns the number of events currently inside the window.
func (w *Window) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return len(w.events)
}

// Full reports whether the window is at capacity without recording an event.
func (w *Window) Full() bool {
	if w.capacity <= 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return len(w.events) >= w.capacity
}

// prune drops events older than the window. Caller must hold w.mu.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.length)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// SetNowFunc overrides the clock. Test hook.
func (w *Window) SetNowFunc(now func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
}
