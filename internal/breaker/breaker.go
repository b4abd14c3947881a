// Package breaker guards the gateway's external lookups. A stalled or
// failing identity backend trips the breaker so requests fail fast instead
// of queueing behind a dead socket.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"guardpost/gateway-service/internal/metrics"
)

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Do while the circuit rejects requests.
var ErrOpen = errors.New("circuit breaker open")

type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// Timeout is the open-state cool-off before probing resumes.
	Timeout time.Duration
	// IsFailure classifies fn's error. Nil counts every non-nil error.
	// Errors that are a healthy backend's answer (a credential rejection,
	// a 404) must return false here: the backend responded, so the call
	// counts toward closing the circuit, not opening it.
	IsFailure func(error) bool
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// Breaker is a single-backend circuit breaker. State reads are lock-free;
// transitions take the mutex.
type Breaker struct {
	name   string
	config Config

	state        atomic.Int32
	failures     atomic.Int64
	successes    atomic.Int64
	probes       atomic.Int64 // in-flight half-open probes
	lastFailTime atomic.Int64 // unix nanos

	mu sync.Mutex
}

func New(name string, config Config) *Breaker {
	b := &Breaker{name: name, config: config}
	b.state.Store(int32(StateClosed))
	b.lastFailTime.Store(time.Now().UnixNano())
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Do runs fn under the breaker. The breaker counts fn's error result per
// Config.IsFailure; callers still receive it unchanged.
func (b *Breaker) Do(fn func() error) error {
	release, err := b.allow()
	if err != nil {
		return err
	}
	if release {
		defer b.probes.Add(-1)
	}
	if err := fn(); err != nil {
		if b.config.IsFailure == nil || b.config.IsFailure(err) {
			b.recordFailure()
		} else {
			b.recordSuccess()
		}
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) allow() (probe bool, err error) {
	switch State(b.state.Load()) {
	case StateClosed:
		return false, nil

	case StateOpen:
		elapsed := time.Since(time.Unix(0, b.lastFailTime.Load()))
		if elapsed < b.config.Timeout {
			return false, fmt.Errorf("%w: %s (retry in %v)", ErrOpen, b.name,
				(b.config.Timeout - elapsed).Round(time.Second))
		}
		b.mu.Lock()
		if State(b.state.Load()) == StateOpen {
			b.transitionTo(StateHalfOpen)
		}
		b.mu.Unlock()
		fallthrough

	case StateHalfOpen:
		// Bound concurrent probes so a recovering backend is not stampeded.
		if b.probes.Add(1) > int64(b.config.SuccessThreshold) {
			b.probes.Add(-1)
			return false, fmt.Errorf("%w: %s (probe limit)", ErrOpen, b.name)
		}
		return true, nil

	default:
		return false, fmt.Errorf("%w: %s (unknown state)", ErrOpen, b.name)
	}
}

func (b *Breaker) recordSuccess() {
	switch State(b.state.Load()) {
	case StateClosed:
		b.failures.Store(0)
	case StateHalfOpen:
		if b.successes.Add(1) >= int64(b.config.SuccessThreshold) {
			b.mu.Lock()
			if State(b.state.Load()) == StateHalfOpen {
				b.transitionTo(StateClosed)
				b.failures.Store(0)
				b.successes.Store(0)
				log.Info().Str("backend", b.name).Msg("circuit breaker recovered")
			}
			b.mu.Unlock()
		}
	}
}

func (b *Breaker) recordFailure() {
	b.lastFailTime.Store(time.Now().UnixNano())

	switch State(b.state.Load()) {
	case StateClosed:
		if b.failures.Add(1) >= int64(b.config.FailureThreshold) {
			b.mu.Lock()
			if State(b.state.Load()) == StateClosed {
				b.transitionTo(StateOpen)
				log.Error().Str("backend", b.name).Msg("circuit breaker opened")
			}
			b.mu.Unlock()
		}
	case StateHalfOpen:
		b.mu.Lock()
		if State(b.state.Load()) == StateHalfOpen {
			b.transitionTo(StateOpen)
			b.successes.Store(0)
			log.Warn().Str("backend", b.name).Msg("circuit breaker reopened after half-open failure")
		}
		b.mu.Unlock()
	}
}

// transitionTo requires b.mu held.
func (b *Breaker) transitionTo(s State) {
	b.state.Store(int32(s))
	b.probes.Store(0)
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(s))
}

func (b *Breaker) State() State { return State(b.state.Load()) }
