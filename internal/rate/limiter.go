package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"guardpost/gateway-service/internal/config"
)

/*
Package rate implements per-key request throttling for the gateway.

The default algorithm is fixed-window counting: requests are bucketed by
identity and window start, and the bucket counter is compared against the
class policy. This admits up to 2x the limit across a window boundary; that
is a documented tradeoff for O(1) state per key. TokenBucket (tokenbucket.go)
is the strict alternative, selected via rate_limit.algorithm.
*/

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter is what the pipeline consumes. Both algorithms implement it.
type Limiter interface {
	// Check applies an explicit policy to key.
	Check(ctx context.Context, key string, max int, window time.Duration) Decision
	// CheckClass applies the configured policy for an endpoint class,
	// keying on the caller identity.
	CheckClass(ctx context.Context, identity, class string) Decision
	// Stop terminates background maintenance.
	Stop()
}

// FixedWindow counts requests per identity per window bucket through a Store.
type FixedWindow struct {
	store    Store
	policies map[string]config.ClassPolicy
	stop     chan struct{}
	nowFunc  func() time.Time // for tests
}

// NewFixedWindow creates a limiter over the given store and class policies,
// sweeping expired buckets every sweepEvery (0 disables the sweeper).
func NewFixedWindow(store Store, policies map[string]config.ClassPolicy, sweepEvery time.Duration) *FixedWindow {
	l := &FixedWindow{
		store:    store,
		policies: policies,
		stop:     make(chan struct{}),
		nowFunc:  time.Now,
	}
	if sweepEvery > 0 {
		go l.sweepLoop(sweepEvery)
	}
	return l
}

func (l *FixedWindow) Check(ctx context.Context, key string, max int, window time.Duration) Decision {
	now := l.nowFunc()
	bucket := now.UnixMilli() / window.Milliseconds()
	windowStart := time.UnixMilli(bucket * window.Milliseconds())
	resetAt := windowStart.Add(window)

	bucketKey := fmt.Sprintf("%s:%d", key, bucket)
	count, err := l.store.Incr(ctx, bucketKey, resetAt)
	if err != nil {
		// Store outage must not turn the limiter into a full-site outage:
		// fail open and surface the error to the log.
		log.Error().Err(err).Str("key", key).Msg("rate limit store error; allowing request")
		return Decision{Allowed: true, Remaining: 0, ResetAt: resetAt}
	}

	remaining := max - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= max,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func (l *FixedWindow) CheckClass(ctx context.Context, identity, class string) Decision {
	p, ok := l.policies[class]
	if !ok {
		p = l.policies[config.ClassAPI]
	}
	return l.Check(ctx, identity+":"+class, p.Max, p.Window())
}

func (l *FixedWindow) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

func (l *FixedWindow) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n := l.store.Sweep(l.nowFunc())
			if n > 0 {
				log.Debug().Int("expired", n).Msg("rate limit sweep")
			}
		case <-l.stop:
			return
		}
	}
}
