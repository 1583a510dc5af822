package actions

import (
	"sync"
	"time"

	"github.com/rendis/cadence/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
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

// BreakerConfig configures the per-action-kind circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a half-open probe.
	Cooldown time.Duration
	// HalfOpenMax is the number of probes allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenAttempts    int
}

// Breakers tracks one circuit per action kind, so a failing email gateway
// does not block messaging or record creation.
type Breakers struct {
	mu       sync.Mutex
	breakers map[schema.ActionType]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates a breaker set. A zero FailureThreshold disables it.
func NewBreakers(config BreakerConfig) *Breakers {
	return &Breakers{
		breakers: make(map[schema.ActionType]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil if a dispatch of kind may proceed, or a CIRCUIT_OPEN
// error.
func (r *Breakers) Allow(kind schema.ActionType) error {
	if r == nil || r.config.FailureThreshold <= 0 {
		return nil
	}
	cb := r.get(kind)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailure)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for %s after %d consecutive failures", kind, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"action":               string(kind),
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for %s: probe in flight", kind)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// Success closes the circuit for kind.
func (r *Breakers) Success(kind schema.ActionType) {
	if r == nil || r.config.FailureThreshold <= 0 {
		return
	}
	cb := r.get(kind)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// Release settles a dispatch that said nothing about the collaborator's
// health, such as a noop or a rejected request. A half-open slot is
// returned so the next dispatch can try again.
func (r *Breakers) Release(kind schema.ActionType) {
	if r == nil || r.config.FailureThreshold <= 0 {
		return
	}
	cb := r.get(kind)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen && cb.halfOpenAttempts > 0 {
		cb.halfOpenAttempts--
	}
}

// Failure records a failed dispatch and returns the resulting state.
func (r *Breakers) Failure(kind schema.ActionType) CircuitState {
	if r == nil || r.config.FailureThreshold <= 0 {
		return CircuitClosed
	}
	cb := r.get(kind)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailure = r.now()

	// Any failure while half-open reopens the circuit.
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the current state for kind.
func (r *Breakers) State(kind schema.ActionType) CircuitState {
	if r == nil {
		return CircuitClosed
	}
	cb := r.get(kind)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (r *Breakers) get(kind schema.ActionType) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[kind]
	if !ok {
		cb = &breaker{}
		r.breakers[kind] = cb
	}
	return cb
}
