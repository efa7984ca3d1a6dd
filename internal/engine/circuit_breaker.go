package engine

import (
	"sync"
	"time"

	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// CircuitState represents the state of a capability's circuit.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, steps short-circuit to failed
	CircuitHalfOpen                     // Letting a probe through
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

// CircuitBreakerConfig configures the circuit breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the circuit opens.
	FailureThreshold int `json:"failure_threshold" mapstructure:"failure_threshold"`
	// Cooldown is how long the circuit stays open before a probe is allowed.
	Cooldown time.Duration `json:"cooldown" mapstructure:"cooldown"`
	// HalfOpenMax is the number of probes allowed while half-open.
	HalfOpenMax int `json:"half_open_max" mapstructure:"half_open_max"`
}

// DefaultCircuitBreakerConfig returns the default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	probes      int
}

// CircuitBreakers holds one breaker per capability name.
type CircuitBreakers struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakers creates a breaker set with the given config. Zero fields take defaults.
func NewCircuitBreakers(config CircuitBreakerConfig) *CircuitBreakers {
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
	return &CircuitBreakers{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow reports whether capability may be invoked. Returns a CIRCUIT_OPEN error otherwise.
func (r *CircuitBreakers) Allow(capability string) error {
	cb := r.get(capability)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailure)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.probes = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"capability %q is failing: %d consecutive failures", capability, cb.failures).
			WithDetails(map[string]any{
				"capability":         capability,
				"failures":           cb.failures,
				"cooldown_remaining": (r.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if cb.probes >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"capability %q is being probed", capability)
		}
		cb.probes++
	}
	return nil
}

// RecordSuccess closes the capability's circuit.
func (r *CircuitBreakers) RecordSuccess(capability string) {
	cb := r.get(capability)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probes = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure and returns true if this failure opened the circuit.
func (r *CircuitBreakers) RecordFailure(capability string) bool {
	cb := r.get(capability)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = r.now()

	if cb.state == CircuitOpen {
		return false
	}
	if cb.state == CircuitHalfOpen || cb.failures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
		return true
	}
	return false
}

// State returns the capability's circuit state.
func (r *CircuitBreakers) State(capability string) CircuitState {
	cb := r.get(capability)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailure) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.probes = 0
	}
	return cb.state
}

// Stats returns diagnostic information about a capability's breaker.
func (r *CircuitBreakers) Stats(capability string) map[string]any {
	cb := r.get(capability)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]any{
		"capability":        capability,
		"state":             cb.state.String(),
		"failures":          cb.failures,
		"failure_threshold": r.config.FailureThreshold,
		"cooldown":          r.config.Cooldown.String(),
	}
}

func (r *CircuitBreakers) get(capability string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[capability]
	if !ok {
		cb = &circuitBreaker{}
		r.breakers[capability] = cb
	}
	return cb
}
