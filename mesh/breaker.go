package mesh

import (
	"sync"
	"time"

	"github.com/primoscope/Spotify-echo-sub018/config"
	"github.com/primoscope/Spotify-echo-sub018/domain"
	"github.com/primoscope/Spotify-echo-sub018/metrics"
)

// breaker is the per-service circuit breaker. It is owned exclusively by
// the mesh client; nothing else mutates circuit state.
type breaker struct {
	service string
	cfg     config.MeshConfig

	mu            sync.Mutex
	state         domain.CircuitState
	failures      []time.Time
	failureCount  int
	lastFailureAt time.Time
	openedAt      time.Time
	halfOpenCalls int
	halfOpenOK    int
}

func newBreaker(service string, cfg config.MeshConfig) *breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Minute
	}
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &breaker{service: service, cfg: cfg, state: domain.CircuitClosed}
}

func (b *breaker) transition(state domain.CircuitState) {
	if b.state == state {
		return
	}
	b.state = state
	metrics.CircuitTransitions.WithLabelValues(b.service, string(state)).Inc()
}

// allow reports whether a call may proceed. While open it returns a
// CircuitOpenError without any network attempt; after the cooldown it
// admits a bounded number of half-open trials.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case domain.CircuitClosed:
		return nil
	case domain.CircuitOpen:
		remaining := b.cfg.CooldownPeriod - now.Sub(b.openedAt)
		if remaining > 0 {
			return domain.CircuitOpenError{Service: b.service, RetryAfter: remaining}
		}
		b.transition(domain.CircuitHalfOpen)
		b.halfOpenCalls = 1
		b.halfOpenOK = 0
		return nil
	default: // half-open
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return domain.CircuitOpenError{Service: b.service, RetryAfter: b.cfg.CooldownPeriod}
		}
		b.halfOpenCalls++
		return nil
	}
}

func (b *breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case domain.CircuitHalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.SuccessThreshold {
			b.transition(domain.CircuitClosed)
			b.failures = nil
		}
	case domain.CircuitClosed:
		b.failures = nil
	}
}

func (b *breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.failureCount++
	b.lastFailureAt = now

	if b.state == domain.CircuitHalfOpen {
		// Any half-open failure reopens the circuit immediately.
		b.transition(domain.CircuitOpen)
		b.openedAt = now
		b.failures = nil
		return
	}

	b.failures = append(b.failures, now)
	cutoff := now.Add(-b.cfg.FailureWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept

	if len(b.failures) >= b.cfg.FailureThreshold {
		b.transition(domain.CircuitOpen)
		b.openedAt = now
		b.failures = nil
	}
}

func (b *breaker) snapshot() (domain.CircuitState, int, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.failureCount, b.lastFailureAt
}
