package llm

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tutordex/aggregator/internal/adapter/observability"
)

// BreakerState is the circuit breaker's position. The numeric values feed
// the llm_circuit_breaker_state gauge directly.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker fails extraction fast while the upstream model is down. Closed, it
// counts consecutive breaker-class failures and opens at the threshold. Open,
// it rejects every call until the cooldown elapses, then admits exactly one
// half-open probe; the probe's outcome decides between closing again and
// another full cooldown.
type Breaker struct {
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	observability.BreakerState.Set(float64(BreakerClosed))
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a call may proceed. In the open state the first
// caller after the cooldown becomes the half-open probe; everyone else keeps
// failing fast until the probe reports back.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.setState(BreakerHalfOpen)
		b.probing = true
		return true
	default: // BreakerHalfOpen
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// RecordSuccess closes the breaker and clears the consecutive failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	if b.state != BreakerClosed {
		b.setState(BreakerClosed)
	}
}

// RecordFailure counts one breaker-class failure. A failed half-open probe
// reopens immediately; closed, the breaker opens once the consecutive count
// reaches the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	wasProbe := b.probing
	b.probing = false
	switch {
	case b.state == BreakerHalfOpen && wasProbe:
		b.openedAt = b.now()
		b.setState(BreakerOpen)
	case b.state == BreakerClosed && b.failures >= b.threshold:
		b.openedAt = b.now()
		b.setState(BreakerOpen)
	}
}

// State returns the current position for readiness reporting.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState must be called with the mutex held.
func (b *Breaker) setState(s BreakerState) {
	prev := b.state
	b.state = s
	observability.BreakerState.Set(float64(s))
	if s == BreakerOpen {
		slog.Warn("llm circuit breaker opened",
			slog.String("from", prev.String()),
			slog.Int("failures", b.failures),
			slog.Duration("cooldown", b.cooldown))
		return
	}
	slog.Info("llm circuit breaker state change",
		slog.String("from", prev.String()),
		slog.String("to", s.String()))
}
