package engine

import (
	"sync"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
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

// EventType maps a state to the audit event recorded when a breaker enters it.
func (s CircuitState) EventType() string {
	switch s {
	case CircuitOpen:
		return schema.EventCircuitBreakerOpen
	case CircuitHalfOpen:
		return schema.EventCircuitBreakerHalfOpen
	default:
		return schema.EventCircuitBreakerClosed
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int `koanf:"failure_threshold"`
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration `koanf:"cooldown"`
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int `koanf:"half_open_max"`
}

// DefaultCircuitBreakerConfig returns a sensible default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// circuitBreaker tracks failure state for a single action type.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry manages per-action-type circuit breakers. Breakers
// are process local; every instance calling the same action type shares one.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// AllowRequest checks whether a call to actionType may proceed. It returns
// the state the breaker moved to, if the check moved it, and a CIRCUIT_OPEN
// error when the call is rejected.
func (r *CircuitBreakerRegistry) AllowRequest(actionType string) (changed *CircuitState, err error) {
	cb := r.getOrCreate(actionType)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			state := CircuitHalfOpen
			return &state, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for action %q: %d consecutive failures",
			actionType, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"action_type":          actionType,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return nil, schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for action %q: max test requests reached", actionType).
				WithDetails(map[string]any{"action_type": actionType, "state": cb.state.String()})
		}
		cb.halfOpenAttempts++
	}
	return nil, nil
}

// RecordSuccess closes the breaker. It reports whether the state changed.
func (r *CircuitBreakerRegistry) RecordSuccess(actionType string) bool {
	cb := r.getOrCreate(actionType)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	changed := cb.state != CircuitClosed
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
	return changed
}

// RecordFailure records a failed call and reports the resulting state and
// whether it changed.
func (r *CircuitBreakerRegistry) RecordFailure(actionType string) (CircuitState, bool) {
	cb := r.getOrCreate(actionType)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	prev := cb.state
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state, cb.state != prev
}

// GetState returns the current state of the circuit for an action type.
func (r *CircuitBreakerRegistry) GetState(actionType string) CircuitState {
	cb := r.getOrCreate(actionType)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// GetStats returns diagnostic information about a circuit breaker.
func (r *CircuitBreakerRegistry) GetStats(actionType string) map[string]any {
	cb := r.getOrCreate(actionType)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"action_type":          actionType,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    r.config.FailureThreshold,
		"cooldown":             r.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(actionType string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[actionType]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[actionType] = cb
	}
	return cb
}
