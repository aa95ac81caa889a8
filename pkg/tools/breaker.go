package tools

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig tunes the per-tool circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before probing
	// in half-open.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the consecutive-success count in half-open
	// that closes the circuit.
	SuccessThreshold int

	// OperationTimeout bounds every call through the breaker.
	OperationTimeout time.Duration
}

func (c *BreakerConfig) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 30 * time.Second
	}
}

// TransitionFunc observes breaker state changes.
type TransitionFunc func(tool string, from, to BreakerState)

// breaker is a per-tool circuit breaker. Consecutive failures open it;
// after the recovery timeout it admits probe calls in half-open and
// closes again after enough consecutive successes.
type breaker struct {
	tool         string
	cfg          BreakerConfig
	onTransition TransitionFunc

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

func newBreaker(tool string, cfg BreakerConfig, onTransition TransitionFunc) *breaker {
	cfg.applyDefaults()
	return &breaker{
		tool:         tool,
		cfg:          cfg,
		onTransition: onTransition,
		state:        BreakerClosed,
	}
}

// allow reports whether a call may proceed, moving open → half-open
// once the recovery timeout has elapsed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cfg.RecoveryTimeout {
			return false
		}
		b.transitionLocked(BreakerHalfOpen)
		return true
	default:
		return true
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transitionLocked(BreakerClosed)
		}
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes = 0
	switch b.state {
	case BreakerHalfOpen:
		// A failed probe re-opens immediately.
		b.openedAt = time.Now()
		b.transitionLocked(BreakerOpen)
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = time.Now()
			b.transitionLocked(BreakerOpen)
		}
	}
}

// State returns the current breaker state.
func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) transitionLocked(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0
	b.successes = 0
	if b.onTransition != nil {
		b.onTransition(b.tool, from, to)
	}
}
