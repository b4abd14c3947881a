package token

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"guardpost/gateway-service/internal/metrics"
)

// AuthContext is the resolved caller identity handed to downstream
// handlers. Snapshot per request; never shared mutable state.
type AuthContext struct {
	UserID      string
	Email       string
	Role        string
	Permissions []string
	SessionID   string
}

func (a *AuthContext) IsAdmin() bool { return a.Role == "admin" }

func (a *AuthContext) HasPermission(p string) bool {
	for _, have := range a.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

type session struct {
	userID       string
	lastActivity time.Time
}

// SessionStore tracks recent-activity recency per session ID. A session is
// live only while now-lastActivity stays within the timeout; liveness is
// re-evaluated on every use, never cached across requests.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
	timeout  time.Duration
	stop     chan struct{}
	nowFunc  func() time.Time // for tests
}

func NewSessionStore(timeout, sweepEvery time.Duration) *SessionStore {
	s := &SessionStore{
		sessions: make(map[string]*session),
		timeout:  timeout,
		stop:     make(chan struct{}),
		nowFunc:  time.Now,
	}
	if sweepEvery > 0 {
		go s.sweepLoop(sweepEvery)
	}
	return s
}

// Touch refreshes the session if live, creating it on first use. Returns
// false when the session exists but idled out; the caller must force
// re-authentication. The lastActivity write is monotonic: a concurrent
// older timestamp never overwrites a newer one.
func (s *SessionStore) Touch(sessionID, userID string) bool {
	now := s.nowFunc()
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		s.sessions[sessionID] = &session{userID: userID, lastActivity: now}
		metrics.SessionsActive.Set(float64(len(s.sessions)))
		return true
	}
	if now.Sub(sess.lastActivity) > s.timeout {
		delete(s.sessions, sessionID)
		metrics.SessionsActive.Set(float64(len(s.sessions)))
		return false
	}
	if now.After(sess.lastActivity) {
		sess.lastActivity = now
	}
	return true
}

// Revoke drops a session immediately.
func (s *SessionStore) Revoke(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return false
	}
	delete(s.sessions, sessionID)
	metrics.SessionsActive.Set(float64(len(s.sessions)))
	return true
}

// Sweep evicts idle sessions. Exposed for tests.
func (s *SessionStore) Sweep() int {
	now := s.nowFunc()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.lastActivity) > s.timeout {
			delete(s.sessions, id)
			n++
		}
	}
	metrics.SessionsActive.Set(float64(len(s.sessions)))
	return n
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *SessionStore) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

func (s *SessionStore) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				log.Debug().Int("evicted", n).Msg("session sweep")
			}
		case <-s.stop:
			return
		}
	}
}
