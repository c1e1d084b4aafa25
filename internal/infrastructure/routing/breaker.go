package routing

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, reject calls until openUntil
	CircuitHalfOpen                     // probing recovery
)

// String returns a human-readable label for the circuit state.
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

// BreakerConfig tunes one pipeline's circuit breaker.
type BreakerConfig struct {
	FailureThreshold  int           // consecutive failures to trip
	RecoveryTimeout   time.Duration // initial open duration
	MaxRecoveryDelay  time.Duration // ceiling for the re-open backoff
	HalfOpenMaxProbes int           // concurrent probes permitted in half-open
}

func (c *BreakerConfig) normalize() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.MaxRecoveryDelay <= 0 {
		c.MaxRecoveryDelay = 5 * time.Minute
	}
	if c.HalfOpenMaxProbes <= 0 {
		c.HalfOpenMaxProbes = 1
	}
}

// CircuitBreaker is the per-pipeline failure isolator.
//
// closed: requests flow; FailureThreshold consecutive failures open the
// circuit with openUntil = now + recovery. open: everything is rejected
// until openUntil, then the first Allow transitions to half_open. half_open:
// up to HalfOpenMaxProbes concurrent requests; the first success closes the
// circuit and resets the backoff, any failure re-opens with the recovery
// delay doubled up to MaxRecoveryDelay.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg             BreakerConfig
	state           CircuitState
	failures        int
	openUntil       time.Time
	currentRecovery time.Duration
	probesInFlight  int
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	cfg.normalize()
	return &CircuitBreaker{
		cfg:             cfg,
		state:           CircuitClosed,
		currentRecovery: cfg.RecoveryTimeout,
	}
}

// Allow reports whether a request may proceed, consuming a half-open probe
// slot when applicable. The open → half_open transition happens here under
// the lock, so only one caller performs it.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Now().Before(cb.openUntil) {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.probesInFlight = 1
		return true
	case CircuitHalfOpen:
		if cb.probesInFlight < cb.cfg.HalfOpenMaxProbes {
			cb.probesInFlight++
			return true
		}
		return false
	}
	return false
}

// Available is the non-mutating check used when filtering candidates: it
// must not consume a probe slot.
func (cb *CircuitBreaker) Available() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		return !time.Now().Before(cb.openUntil)
	case CircuitHalfOpen:
		return cb.probesInFlight < cb.cfg.HalfOpenMaxProbes
	}
	return false
}

// Release returns an Allow slot without recording an outcome. Used when a
// lease could not be obtained after the breaker admitted the request.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.probesInFlight > 0 {
		cb.probesInFlight--
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
		cb.probesInFlight = 0
		cb.currentRecovery = cb.cfg.RecoveryTimeout
	}
}

// RecordFailure records a backend failure.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++

	if cb.state == CircuitHalfOpen {
		// Any failure during probing re-opens with extended backoff.
		cb.currentRecovery *= 2
		if cb.currentRecovery > cb.cfg.MaxRecoveryDelay {
			cb.currentRecovery = cb.cfg.MaxRecoveryDelay
		}
		cb.open()
		return
	}

	if cb.state == CircuitClosed && cb.failures >= cb.cfg.FailureThreshold {
		cb.open()
	}
}

// TripNow opens the circuit immediately, bypassing the failure count.
// Used when a credential source fails.
func (cb *CircuitBreaker) TripNow() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.open()
}

func (cb *CircuitBreaker) open() {
	cb.state = CircuitOpen
	cb.probesInFlight = 0
	cb.openUntil = time.Now().Add(cb.currentRecovery)
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ConsecutiveFailures returns the current failure run length.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset forces the circuit back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.probesInFlight = 0
	cb.currentRecovery = cb.cfg.RecoveryTimeout
}
