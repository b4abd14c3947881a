package rate

import (
	"context"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"

	"guardpost/gateway-service/internal/config"
)

// TokenBucket is the strict-limit alternative to FixedWindow: a policy of
// max/window becomes a bucket refilling at max/window tokens per second with
// burst max, so the boundary over-admission of fixed windows disappears.
// State is process-local; it does not use the Store seam.
type TokenBucket struct {
	mu       sync.Mutex
	buckets  map[string]*tbEntry
	policies map[string]config.ClassPolicy
	idleTTL  time.Duration
	stop     chan struct{}
	nowFunc  func() time.Time
}

type tbEntry struct {
	lim      *xrate.Limiter
	max      int
	window   time.Duration
	lastSeen time.Time
}

func NewTokenBucket(policies map[string]config.ClassPolicy, sweepEvery time.Duration) *TokenBucket {
	tb := &TokenBucket{
		buckets:  make(map[string]*tbEntry, 1024),
		policies: policies,
		idleTTL:  15 * time.Minute,
		stop:     make(chan struct{}),
		nowFunc:  time.Now,
	}
	if sweepEvery > 0 {
		go tb.sweepLoop(sweepEvery)
	}
	return tb
}

func (t *TokenBucket) Check(_ context.Context, key string, max int, window time.Duration) Decision {
	now := t.nowFunc()

	t.mu.Lock()
	en, ok := t.buckets[key]
	if !ok || en.max != max || en.window != window {
		en = &tbEntry{
			lim:    xrate.NewLimiter(xrate.Limit(float64(max)/window.Seconds()), max),
			max:    max,
			window: window,
		}
		t.buckets[key] = en
	}
	en.lastSeen = now
	allowed := en.lim.Allow()
	remaining := int(en.lim.Tokens())
	t.mu.Unlock()

	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   now.Add(window),
	}
}

func (t *TokenBucket) CheckClass(ctx context.Context, identity, class string) Decision {
	p, ok := t.policies[class]
	if !ok {
		p = t.policies[config.ClassAPI]
	}
	return t.Check(ctx, identity+":"+class, p.Max, p.Window())
}

func (t *TokenBucket) Stop() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
}

func (t *TokenBucket) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := t.nowFunc().Add(-t.idleTTL)
			t.mu.Lock()
			for k, en := range t.buckets {
				if en.lastSeen.Before(cutoff) {
					delete(t.buckets, k)
				}
			}
			t.mu.Unlock()
		case <-t.stop:
			return
		}
	}
}
