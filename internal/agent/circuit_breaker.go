package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls flow through
	CircuitOpen                         // calls refused until the cool-down ends
	CircuitHalfOpen                     // one probe call allowed
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker counts consecutive model backend failures per backend and
// opens the circuit once threshold is reached. Scan rejections and tool
// errors never feed it.
type CircuitBreaker struct {
	mu        sync.Mutex
	backends  map[string]*backendCircuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

type backendCircuit struct {
	failures      int
	state         CircuitState
	openedAt      time.Time
	probeInFlight bool
}

// NewCircuitBreaker creates a breaker. threshold <= 0 defaults to 5;
// cooldown <= 0 defaults to 30s.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		backends:  make(map[string]*backendCircuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Check returns nil if a call to backend may proceed. After the cool-down
// an open circuit lets exactly one probe through.
func (cb *CircuitBreaker) Check(backend string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	bc, ok := cb.backends[backend]
	if !ok {
		return nil
	}
	switch bc.state {
	case CircuitOpen:
		if cb.now().Sub(bc.openedAt) >= cb.cooldown {
			bc.state = CircuitHalfOpen
			bc.probeInFlight = true
			return nil
		}
		return fmt.Errorf("%w: %s after %d consecutive failures", ErrCircuitOpen, backend, bc.failures)
	case CircuitHalfOpen:
		if bc.probeInFlight {
			return fmt.Errorf("%w: probe already in progress for %s", ErrCircuitOpen, backend)
		}
		bc.probeInFlight = true
	}
	return nil
}

// RecordFailure counts a failed call. A failed probe reopens the circuit
// immediately.
func (cb *CircuitBreaker) RecordFailure(backend string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	bc, ok := cb.backends[backend]
	if !ok {
		bc = &backendCircuit{}
		cb.backends[backend] = bc
	}
	bc.failures++
	if bc.state == CircuitHalfOpen || bc.failures >= cb.threshold {
		if bc.state != CircuitOpen {
			log.Warn().Str("backend", backend).Int("failures", bc.failures).Msg("backend_circuit_opened")
		}
		bc.state = CircuitOpen
		bc.openedAt = cb.now()
		bc.probeInFlight = false
	}
}

// RecordSuccess closes the circuit and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess(backend string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if bc, ok := cb.backends[backend]; ok {
		if bc.state != CircuitClosed {
			log.Info().Str("backend", backend).Msg("backend_circuit_closed")
		}
		delete(cb.backends, backend)
	}
}

// Reset manually closes the circuit for a backend.
func (cb *CircuitBreaker) Reset(backend string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.backends, backend)
}

// State returns the current circuit state for a backend.
func (cb *CircuitBreaker) State(backend string) CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if bc, ok := cb.backends[backend]; ok {
		return bc.state
	}
	return CircuitClosed
}
