package kraken

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState is the reconnect gate's current disposition.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes the failure-rate gate in front of reconnects.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive-window failures that open the circuit
	SuccessThreshold int           // half-open successes that close it again
	MinOpenTime      time.Duration // how long Open rejects attempts
	FailureWindow    time.Duration // window over which failures are counted
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		MinOpenTime:      30 * time.Second,
		FailureWindow:    60 * time.Second,
	}
}

// CircuitBreaker cuts off reconnect attempts when failures cluster.
// Closed admits attempts; Open rejects them until MinOpenTime has elapsed;
// HalfOpen admits probes and closes again after SuccessThreshold successes.
// Safe for concurrent use.
type CircuitBreaker struct {
	cfg   CircuitBreakerConfig
	state atomic.Int32

	mu          sync.Mutex
	failures    int
	successes   int
	windowStart time.Time
	openedAt    time.Time
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultCircuitBreakerConfig().SuccessThreshold
	}
	if cfg.MinOpenTime <= 0 {
		cfg.MinOpenTime = DefaultCircuitBreakerConfig().MinOpenTime
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultCircuitBreakerConfig().FailureWindow
	}
	return &CircuitBreaker{cfg: cfg}
}

// Config returns the breaker's configuration.
func (cb *CircuitBreaker) Config() CircuitBreakerConfig { return cb.cfg }

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// CanAttempt reports whether a reconnect attempt may proceed. When the
// circuit has been Open for at least MinOpenTime, the call transitions it
// to HalfOpen and admits the attempt.
func (cb *CircuitBreaker) CanAttempt() bool {
	switch cb.State() {
	case CircuitClosed, CircuitHalfOpen:
		return true
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.State() != CircuitOpen {
		return true
	}
	if time.Since(cb.openedAt) < cb.cfg.MinOpenTime {
		return false
	}
	cb.state.Store(int32(CircuitHalfOpen))
	cb.successes = 0
	return true
}

// RecordFailure counts one failed attempt. In Closed it opens the circuit
// once FailureThreshold failures land within FailureWindow; in HalfOpen it
// reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.State() {
	case CircuitHalfOpen:
		cb.open()
	case CircuitClosed:
		now := time.Now()
		if cb.failures == 0 || now.Sub(cb.windowStart) > cb.cfg.FailureWindow {
			cb.failures = 0
			cb.windowStart = now
		}
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.open()
		}
	}
}

// RecordSuccess counts one successful attempt. In Closed it clears the
// failure window; in HalfOpen it closes the circuit after
// SuccessThreshold successes.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.State() {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.state.Store(int32(CircuitClosed))
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// Reset forces the circuit Closed and zeroes both counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state.Store(int32(CircuitClosed))
	cb.failures = 0
	cb.successes = 0
}

// FailureCount returns the failures recorded in the current window.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// SuccessCount returns the successes recorded while HalfOpen.
func (cb *CircuitBreaker) SuccessCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.successes
}

// open transitions to Open. Caller holds mu.
func (cb *CircuitBreaker) open() {
	cb.state.Store(int32(CircuitOpen))
	cb.openedAt = time.Now()
	cb.failures = 0
	cb.successes = 0
}
