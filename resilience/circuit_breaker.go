// Package resilience provides the fault tolerance building blocks wrapped
// around provider calls: a per-instance circuit breaker and a retry
// manager with configurable backoff.
package resilience

import (
	"sync"
	"time"

	"github.com/gleitzeit/gleitzeit/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows a single probe request
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
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

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the breaker, typically the provider instance id
	Name string

	// FailureThreshold opens the circuit when this many failures occur
	// within the rolling window, or consecutively
	FailureThreshold int

	// WindowSize is the number of recent calls tracked in the rolling window
	WindowSize int

	// OpenDuration is how long the circuit stays open before probing
	OpenDuration time.Duration

	// Logger for state transition events
	Logger core.Logger
}

// DefaultCircuitBreakerConfig returns production defaults: open after 5
// failures in the last 20 calls (or 5 consecutive), stay open 30 seconds.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		WindowSize:       20,
		OpenDuration:     30 * time.Second,
	}
}

// CircuitBreaker is a per-instance three-state machine isolating a
// provider instance that is suffering repeated failures.
//
// CLOSED counts failures over a rolling window of recent calls; reaching
// the threshold (windowed or consecutive) transitions to OPEN. OPEN
// rejects every call until OpenDuration elapses, then HALF_OPEN admits
// exactly one probe at a time: success closes the circuit, failure
// re-opens it with a fresh OpenDuration.
type CircuitBreaker struct {
	config *CircuitBreakerConfig
	logger core.Logger

	mu          sync.Mutex
	state       CircuitState
	openedAt    time.Time
	window      []bool // true = failure, most recent last
	consecutive int
	probing     bool

	stateChanges uint64
	rejections   uint64
}

// NewCircuitBreaker creates a circuit breaker with the given configuration.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.WindowSize <= 0 {
		config.WindowSize = 20
	}
	if config.OpenDuration <= 0 {
		config.OpenDuration = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &CircuitBreaker{
		config: config,
		logger: logger,
		state:  StateClosed,
	}
}

// Allow reports whether a call may proceed. In HALF_OPEN only one probe is
// admitted at a time; the caller must report the outcome via RecordSuccess
// or RecordFailure to release the probe slot.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(cb.openedAt) >= cb.config.OpenDuration {
			cb.transition(StateHalfOpen)
			cb.probing = true
			return true
		}
		cb.rejections++
		return false

	case StateHalfOpen:
		if cb.probing {
			cb.rejections++
			return false
		}
		cb.probing = true
		return true
	}
	return false
}

// RecordSuccess records a successful call outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		// Success resets the rolling window.
		cb.window = cb.window[:0]
		cb.consecutive = 0
	case StateHalfOpen:
		cb.probing = false
		cb.window = cb.window[:0]
		cb.consecutive = 0
		cb.transition(StateClosed)
	}
}

// RecordFailure records a failed call outcome.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.window = append(cb.window, true)
		if len(cb.window) > cb.config.WindowSize {
			cb.window = cb.window[len(cb.window)-cb.config.WindowSize:]
		}
		cb.consecutive++

		failures := 0
		for _, failed := range cb.window {
			if failed {
				failures++
			}
		}
		if failures >= cb.config.FailureThreshold || cb.consecutive >= cb.config.FailureThreshold {
			cb.openedAt = time.Now()
			cb.transition(StateOpen)
		}

	case StateHalfOpen:
		cb.probing = false
		cb.openedAt = time.Now()
		cb.transition(StateOpen)
	}
}

// State returns the current circuit state, applying the OPEN to HALF_OPEN
// timer transition if due.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.config.OpenDuration {
		cb.transition(StateHalfOpen)
	}
	return cb.state
}

// Reset manually returns the breaker to CLOSED and clears all counts.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.window = cb.window[:0]
	cb.consecutive = 0
	cb.probing = false
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
}

// Metrics returns a snapshot of breaker counters for monitoring.
func (cb *CircuitBreaker) Metrics() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"state":         cb.state.String(),
		"window_size":   len(cb.window),
		"consecutive":   cb.consecutive,
		"state_changes": cb.stateChanges,
		"rejections":    cb.rejections,
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.stateChanges++
	cb.logger.Info("Circuit breaker state change", map[string]interface{}{
		"operation": "circuit_breaker_transition",
		"name":      cb.config.Name,
		"from":      from.String(),
		"to":        to.String(),
	})
}
