package rate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Store is the seam between the limiter and its counter state. Incr is the
// whole read-modify-write so backends can implement it atomically; a
// get/set pair would race under concurrent callers.
type Store interface {
	// Incr bumps the counter for bucketKey and returns the post-increment
	// count. A missing or expired bucket starts over at 1 with the given
	// expiry, never extending the old window.
	Incr(ctx context.Context, bucketKey string, resetAt time.Time) (int, error)
	// Delete drops a single bucket.
	Delete(ctx context.Context, bucketKey string) error
	// Sweep removes expired buckets and reports how many were dropped.
	Sweep(now time.Time) int
	Close() error
}

type memEntry struct {
	count   int
	resetAt time.Time
}

// MemoryStore is the default single-process store: one mutex, one map,
// critical sections bounded to a single entry's read-modify-write.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	cap     int
	nowFunc func() time.Time // for tests
}

// NewMemoryStore creates a store bounded to roughly cap live buckets
// (default 100k). The bound is advisory: when exceeded an inline sweep runs
// and a warning is logged so key-explosion attacks are visible.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 100_000
	}
	return &MemoryStore{
		entries: make(map[string]*memEntry, 1024),
		cap:     capacity,
		nowFunc: time.Now,
	}
}

func (s *MemoryStore) Incr(_ context.Context, bucketKey string, resetAt time.Time) (int, error) {
	now := s.nowFunc()
	s.mu.Lock()
	defer s.mu.Unlock()

	en, ok := s.entries[bucketKey]
	if !ok || !now.Before(en.resetAt) {
		if !ok && len(s.entries) >= s.cap {
			s.sweepLocked(now)
			if len(s.entries) >= s.cap {
				log.Warn().Int("entries", len(s.entries)).Int("cap", s.cap).
					Msg("rate limit store over capacity; possible key explosion")
			}
		}
		s.entries[bucketKey] = &memEntry{count: 1, resetAt: resetAt}
		return 1, nil
	}
	en.count++
	return en.count, nil
}

func (s *MemoryStore) Delete(_ context.Context, bucketKey string) error {
	s.mu.Lock()
	delete(s.entries, bucketKey)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(now)
}

func (s *MemoryStore) sweepLocked(now time.Time) int {
	n := 0
	for k, en := range s.entries {
		if !now.Before(en.resetAt) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

func (s *MemoryStore) Close() error { return nil }

// Len reports live buckets, expired or not. Test hook.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
