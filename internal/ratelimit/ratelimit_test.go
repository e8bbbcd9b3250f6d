package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 0})
	for i := 0; i < 100; i++ {
		if err := l.Allow("run-1"); err != nil {
			t.Fatalf("unlimited limiter rejected call %d: %v", i, err)
		}
	}
}

func TestLimiter_ExhaustsBurst(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("run-1"); err != nil {
			t.Fatalf("call %d rejected before burst exhausted: %v", i, err)
		}
	}
	if err := l.Allow("run-1"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("after burst: err = %v, want ErrRateLimited", err)
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("run-a"); err != nil {
		t.Fatalf("run-a first call: %v", err)
	}
	if err := l.Allow("run-a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("run-a second call: err = %v, want ErrRateLimited", err)
	}
	// A different isolate still has a full bucket.
	if err := l.Allow("run-b"); err != nil {
		t.Errorf("run-b first call rejected: %v", err)
	}
}

func TestLimiter_Forget(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("run-1"); err != nil {
		t.Fatal(err)
	}
	l.Forget("run-1")
	// After disposal the key starts fresh.
	if err := l.Allow("run-1"); err != nil {
		t.Errorf("after Forget: err = %v, want nil", err)
	}
}

func TestWindow_AllowsUnderCapacity(t *testing.T) {
	w := NewWindow(5, time.Minute)
	for i := 0; i < 5; i++ {
		if err := w.Allow(); err != nil {
			t.Fatalf("event %d rejected under capacity: %v", i, err)
		}
	}
	if err := w.Allow(); !errors.Is(err, ErrRateLimited) {
		t.Errorf("event 6: err = %v, want ErrRateLimited", err)
	}
	if got := w.Count(); got != 5 {
		t.Errorf("Count() = %d, want 5 (rejection must not record an event)", got)
	}
}

func TestWindow_PrunesExpiredEvents(t *testing.T) {
	now := time.Now()
	w := NewWindow(2, time.Minute)
	w.SetNowFunc(func() time.Time { return now })

	if err := w.Allow(); err != nil {
		t.Fatal(err)
	}
	if err := w.Allow(); err != nil {
		t.Fatal(err)
	}
	if !w.Full() {
		t.Fatal("window should be full")
	}

	// Advance past the window: both events expire.
	now = now.Add(61 * time.Second)
	if w.Full() {
		t.Error("window still full after events expired")
	}
	if err := w.Allow(); err != nil {
		t.Errorf("Allow after expiry: %v", err)
	}
	if got := w.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
}

func TestWindow_UnlimitedCapacity(t *testing.T) {
	w := NewWindow(0, time.Minute)
	for i := 0; i < 50; i++ {
		if err := w.Allow(); err != nil {
			t.Fatalf("unlimited window rejected event %d: %v", i, err)
		}
	}
}
