package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Call while the breaker rejects requests.
var ErrOpen = errors.New("circuit breaker open")

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// State is the circuit breaker state (Closed, Open, HalfOpen).
type State int

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	// Component names the upstream for metrics, e.g. "news_api".
	Component string
	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(component string, from, to State)
	// IsFailure decides which errors count against the upstream. Nil counts every error.
	// Client-side errors such as an unknown location should not trip the breaker.
	IsFailure func(error) bool
	Now       func() time.Time
}

// CircuitBreaker protects one upstream by opening after consecutive failures
// and letting probe requests through once Timeout has passed.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	cfg             Config
}

// New creates a CircuitBreaker, filling zero fields with defaults.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{state: StateClosed, cfg: cfg}
}

// Call runs fn when the circuit allows it and returns ErrOpen otherwise.
// A nil breaker runs fn directly.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	if cb == nil {
		return fn()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cb.mu.Lock()
	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.lastFailureTime) < cb.cfg.Timeout {
			cb.mu.Unlock()
			return ErrOpen
		}
		cb.state = StateHalfOpen
		cb.successCount = 0
		cb.mu.Unlock()
		cb.notify(StateOpen, StateHalfOpen)
	} else {
		cb.mu.Unlock()
	}

	err := fn()
	from, to, changed := cb.record(err)
	if changed {
		cb.notify(from, to)
	}
	return err
}

func (cb *CircuitBreaker) record(err error) (from, to State, changed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	from = cb.state

	if err != nil && (cb.cfg.IsFailure == nil || cb.cfg.IsFailure(err)) {
		cb.failureCount++
		cb.lastFailureTime = cb.cfg.Now()
		if cb.state == StateHalfOpen || cb.failureCount >= cb.cfg.FailureThreshold {
			cb.state = StateOpen
			cb.failureCount = 0
			return from, StateOpen, from != StateOpen
		}
		return from, from, false
	}

	cb.failureCount = 0
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			return from, StateClosed, true
		}
	}
	return from, from, false
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Component, from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Component returns the configured component name.
func (cb *CircuitBreaker) Component() string {
	return cb.cfg.Component
}
