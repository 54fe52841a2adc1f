package sched

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by Breaker.Do while the breaker is open and the reset
// timeout has not yet elapsed.
var ErrOpen = errors.New("sched: breaker open")

// BreakerState represents the operating mode of a Breaker.
type BreakerState int

const (
	// BreakerClosed is the normal state — calls are forwarded.
	BreakerClosed BreakerState = iota

	// BreakerOpen means consecutive failures tripped the breaker; calls fail
	// fast with ErrOpen until the reset timeout elapses.
	BreakerOpen

	// BreakerHalfOpen is the probe state after the reset timeout: a limited
	// number of calls pass through to test whether the backend recovered.
	BreakerHalfOpen
)

// String returns the human-readable name of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a Breaker.
type BreakerConfig struct {
	// Name labels the breaker in logs (e.g., "stt", "llm").
	Name string

	// MaxFailures is the consecutive-failure count that opens the breaker.
	// Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30 s.
	ResetTimeout time.Duration

	// ProbeBudget is the number of half-open probe calls. Default: 3.
	ProbeBudget int

	// OnOpen, when non-nil, is invoked once per closed→open transition, so
	// an outage is announced once rather than once per failed call.
	OnOpen func()
}

// Breaker is a three-state circuit breaker protecting the pipeline from a
// failing STT or LLM backend. It is safe for concurrent use.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	probeBudget  int
	onOpen       func()

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probeCalls  int
	probeFails  int
}

// NewBreaker creates a Breaker with the supplied configuration. Zero-value
// fields are replaced with defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		probeBudget:  cfg.ProbeBudget,
		onOpen:       cfg.OnOpen,
		state:        BreakerClosed,
	}
}

// Do runs fn if the breaker allows it. In the open state it returns ErrOpen
// without calling fn; in half-open a limited probe budget is permitted.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.lastFailure) < b.resetTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = BreakerHalfOpen
		b.probeCalls = 0
		b.probeFails = 0
		slog.Info("breaker transitioning to half-open", "name", b.name)

	case BreakerHalfOpen:
		if b.probeCalls >= b.probeBudget {
			b.mu.Unlock()
			return ErrOpen
		}
	}

	probing := b.state == BreakerHalfOpen
	if probing {
		b.probeCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailure(probing)
	} else {
		b.recordSuccess(probing)
	}
	return err
}

// recordFailure handles failure accounting. Must be called with b.mu held.
func (b *Breaker) recordFailure(probing bool) {
	b.lastFailure = time.Now()

	if probing {
		b.probeFails++
		// Any failed probe re-opens without notifying again.
		b.state = BreakerOpen
		b.failures = b.maxFailures
		slog.Warn("breaker re-opened from half-open", "name", b.name)
		return
	}

	b.failures++
	if b.failures >= b.maxFailures && b.state == BreakerClosed {
		b.state = BreakerOpen
		slog.Warn("breaker opened", "name", b.name, "consecutive_failures", b.failures)
		if b.onOpen != nil {
			// Fire outside the lock to keep callback deadlock-free.
			go b.onOpen()
		}
	}
}

// recordSuccess handles success accounting. Must be called with b.mu held.
func (b *Breaker) recordSuccess(probing bool) {
	if probing {
		if b.probeCalls-b.probeFails >= b.probeBudget {
			b.state = BreakerClosed
			b.failures = 0
			slog.Info("breaker closed after successful probes", "name", b.name)
		}
		return
	}
	b.failures = 0
}

// State returns the breaker's current state. An open breaker whose reset
// timeout has elapsed reports half-open; the actual transition happens on
// the next Do call.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.lastFailure) >= b.resetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probeCalls = 0
	b.probeFails = 0
}
