package busredis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by CircuitBreaker.Execute when the
// breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("busredis: circuit breaker open")

// circuitState mirrors the closed/open/half-open state machine used
// throughout the framework's resilience package, condensed to the
// subset busredis needs to protect Redis round trips.
type circuitState int32

const (
	stateClosed circuitState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker protects Redis operations from cascading failures:
// once FailureThreshold consecutive failures are observed it opens and
// rejects calls immediately for ResetTimeout, then allows a single
// trial call (half-open) to decide whether to close again.
type CircuitBreaker struct {
	FailureThreshold int
	ResetTimeout     time.Duration

	mu          sync.Mutex
	state       circuitState
	failures    int32
	openedAt    time.Time
	halfOpenTry bool
}

// NewCircuitBreaker builds a breaker with the given thresholds. Zero
// values fall back to 5 consecutive failures / 10s reset.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 10 * time.Second
	}
	return &CircuitBreaker{FailureThreshold: failureThreshold, ResetTimeout: resetTimeout}
}

// CanExecute reports whether a call would currently be allowed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.canExecuteLocked()
}

func (cb *CircuitBreaker) canExecuteLocked() bool {
	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.openedAt) >= cb.ResetTimeout {
			cb.state = stateHalfOpen
			cb.halfOpenTry = true
			return true
		}
		return false
	case stateHalfOpen:
		if cb.halfOpenTry {
			return false
		}
		cb.halfOpenTry = true
		return true
	default:
		return true
	}
}

// Execute runs fn with circuit breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.CanExecute() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		atomic.StoreInt32(&cb.failures, 0)
		cb.state = stateClosed
		return
	}

	switch cb.state {
	case stateHalfOpen:
		cb.state = stateOpen
		cb.openedAt = time.Now()
	default:
		n := atomic.AddInt32(&cb.failures, 1)
		if int(n) >= cb.FailureThreshold {
			cb.state = stateOpen
			cb.openedAt = time.Now()
		}
	}
}

// State returns a human-readable state name for logging/metrics.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Reset forces the breaker back to closed, clearing failure counts.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	atomic.StoreInt32(&cb.failures, 0)
}
