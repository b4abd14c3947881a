package rate

import (
	"context"
	"sync"
	"testing"
	"time"

	"guardpost/gateway-service/internal/config"
)

func testPolicies() map[string]config.ClassPolicy {
	return map[string]config.ClassPolicy{
		config.ClassAuth:   {Max: 5, WindowSec: 60},
		config.ClassAPI:    {Max: 100, WindowSec: 900},
		config.ClassUpload: {Max: 10, WindowSec: 300},
	}
}

// newTestLimiter wires a FixedWindow and its store to a shared mock clock.
func newTestLimiter(start time.Time) (*FixedWindow, *time.Time) {
	now := start
	store := NewMemoryStore(0)
	store.nowFunc = func() time.Time { return now }
	l := NewFixedWindow(store, testPolicies(), 0)
	l.nowFunc = func() time.Time { return now }
	return l, &now
}

func TestFixedWindow_ExhaustsThenDenies(t *testing.T) {
	l, _ := newTestLimiter(time.UnixMilli(1_000_000))
	ctx := context.Background()

	wantRemaining := []int{4, 3, 2, 1, 0}
	for i := 0; i < 5; i++ {
		d := l.Check(ctx, "ip1:auth", 5, time.Minute)
		if !d.Allowed {
			t.Fatalf("call %d: expected allowed", i+1)
		}
		if d.Remaining != wantRemaining[i] {
			t.Errorf("call %d: remaining = %d, want %d", i+1, d.Remaining, wantRemaining[i])
		}
	}

	d := l.Check(ctx, "ip1:auth", 5, time.Minute)
	if d.Allowed {
		t.Error("6th call should be denied")
	}
	if d.Remaining != 0 {
		t.Errorf("6th call remaining = %d, want 0", d.Remaining)
	}
}

func TestFixedWindow_ResetsAfterWindow(t *testing.T) {
	l, now := newTestLimiter(time.UnixMilli(1_000_000))
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		l.Check(ctx, "k", 5, time.Minute)
	}
	if d := l.Check(ctx, "k", 5, time.Minute); d.Allowed {
		t.Fatal("expected exhausted window")
	}

	*now = now.Add(61 * time.Second)
	d := l.Check(ctx, "k", 5, time.Minute)
	if !d.Allowed {
		t.Error("first call after window expiry should be allowed")
	}
	if d.Remaining != 4 {
		t.Errorf("remaining = %d, want 4 (fresh window)", d.Remaining)
	}
}

func TestFixedWindow_ResetAtMatchesWindowBoundary(t *testing.T) {
	start := time.UnixMilli(90_000) // mid-window for a 60s window
	l, _ := newTestLimiter(start)

	d := l.Check(context.Background(), "k", 5, time.Minute)
	want := time.UnixMilli(120_000)
	if !d.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", d.ResetAt, want)
	}
}

func TestFixedWindow_IndependentKeys(t *testing.T) {
	l, _ := newTestLimiter(time.UnixMilli(1_000_000))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Check(ctx, "ip1:auth", 5, time.Minute)
	}
	if d := l.Check(ctx, "ip2:auth", 5, time.Minute); !d.Allowed {
		t.Error("second identity should not share ip1's bucket")
	}
}

func TestFixedWindow_CheckClassUsesPolicy(t *testing.T) {
	l, _ := newTestLimiter(time.UnixMilli(1_000_000))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if d := l.CheckClass(ctx, "10.0.0.1", config.ClassAuth); !d.Allowed {
			t.Fatalf("auth call %d should pass", i+1)
		}
	}
	if d := l.CheckClass(ctx, "10.0.0.1", config.ClassAuth); d.Allowed {
		t.Error("6th auth call should be denied (5/60s policy)")
	}
	// Unknown class falls back to the api policy.
	if d := l.CheckClass(ctx, "10.0.0.1", "nope"); !d.Allowed {
		t.Error("unknown class should fall back to api policy, not deny")
	}
}

func TestFixedWindow_NoLostUpdates(t *testing.T) {
	store := NewMemoryStore(0)
	l := NewFixedWindow(store, testPolicies(), 0)
	ctx := context.Background()

	const callers = 64
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			l.Check(ctx, "shared", callers, time.Hour)
		}()
	}
	wg.Wait()

	// If any increment was lost the counter would sit below callers and
	// this call would still be admitted.
	if d := l.Check(ctx, "shared", callers, time.Hour); d.Allowed {
		t.Error("counter lost updates under concurrency")
	}
}

func TestMemoryStore_SweepDropsExpired(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	store := NewMemoryStore(0)
	store.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	store.Incr(ctx, "a:1", now.Add(time.Minute))
	store.Incr(ctx, "b:1", now.Add(time.Hour))

	if n := store.Sweep(now.Add(2 * time.Minute)); n != 1 {
		t.Errorf("sweep removed %d, want 1", n)
	}
	if store.Len() != 1 {
		t.Errorf("store has %d entries, want 1", store.Len())
	}
}

func TestMemoryStore_ExpiredBucketStartsFresh(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	store := NewMemoryStore(0)
	store.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	resetAt := now.Add(time.Minute)
	store.Incr(ctx, "k:1", resetAt)
	store.Incr(ctx, "k:1", resetAt)

	// Same bucket key after expiry must behave as absent, not extend.
	now = now.Add(2 * time.Minute)
	n, err := store.Incr(ctx, "k:1", now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count after expiry = %d, want 1", n)
	}
}

func TestTokenBucket_StrictLimit(t *testing.T) {
	tb := NewTokenBucket(testPolicies(), 0)
	defer tb.Stop()
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 10; i++ {
		if d := tb.Check(ctx, "k", 5, time.Minute); d.Allowed {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("allowed %d of 10 with burst 5, want 5", allowed)
	}
}
