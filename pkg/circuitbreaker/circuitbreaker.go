package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "livecast/pkg/errors"
)

// ErrCircuitOpen is matched by errors.Is on every rejection produced by a breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Circuit is open, requests fail immediately
	StateHalfOpen              // A single trial request is in flight
)

func (s State) String() string {
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

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold int           // Consecutive failures before opening the circuit
	ResetTimeout     time.Duration // Time to wait in open state before allowing a trial
	MaxRetries       int           // Advisory retry budget for callers; not used by the breaker
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
		MaxRetries:       3,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name   string
	config Config
	now    func() time.Time

	mu              sync.Mutex
	state           State
	failureCount    int
	trialInFlight   bool
	openedAt        time.Time
	lastFailureTime time.Time
	stateChangeTime time.Time

	onStateChange func(from, to State)
}

// Option customizes a breaker at construction time.
type Option func(*CircuitBreaker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithName labels rejections and stats with the operation class.
func WithName(name string) Option {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// New creates a new circuit breaker with the given configuration
func New(config Config, opts ...Option) *CircuitBreaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}
	cb := &CircuitBreaker{
		name:   "default",
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.stateChangeTime = cb.now()
	return cb
}

// Name returns the operation class this breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Config returns the breaker configuration.
func (cb *CircuitBreaker) Config() Config {
	return cb.config
}

// OnStateChange sets a callback function that is called when the circuit breaker state changes
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn through the circuit breaker. When the circuit is open, or a
// half-open trial is already running, fn is not called and a CIRCUIT_OPEN
// error wrapping ErrCircuitOpen is returned.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	trial, ok := cb.allowRequest()
	if !ok {
		return cb.openError()
	}

	err := fn()
	if err != nil {
		cb.onFailure(trial)
		return err
	}

	cb.onSuccess(trial)
	return nil
}

// ExecuteWithResult executes a function that returns a result through the circuit breaker
func ExecuteWithResult[T any](ctx context.Context, cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}

func (cb *CircuitBreaker) openError() error {
	return apperrors.WrapError(ErrCircuitOpen, apperrors.ErrCodeCircuitOpen,
		"circuit "+cb.name+" is open", 503).WithContext("breaker", cb.name)
}

// allowRequest decides whether a call may proceed and whether it is the
// half-open trial.
func (cb *CircuitBreaker) allowRequest() (trial bool, allowed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.ResetTimeout {
			cb.transitionTo(StateHalfOpen)
			cb.trialInFlight = true
			return true, true
		}
		return false, false
	case StateHalfOpen:
		if cb.trialInFlight {
			return false, false
		}
		cb.trialInFlight = true
		return true, true
	}
	return false, false
}

// onFailure records a failure and updates circuit breaker state
func (cb *CircuitBreaker) onFailure(trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = cb.now()

	if trial {
		cb.trialInFlight = false
		cb.trip()
		return
	}
	if cb.state == StateClosed && cb.failureCount >= cb.config.FailureThreshold {
		cb.trip()
	}
}

// onSuccess records a success and updates circuit breaker state
func (cb *CircuitBreaker) onSuccess(trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	if trial {
		cb.trialInFlight = false
		cb.transitionTo(StateClosed)
	}
}

func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.now()
	cb.transitionTo(StateOpen)
}

// transitionTo transitions the circuit breaker to a new state
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.stateChangeTime = cb.now()

	if newState == StateClosed {
		cb.failureCount = 0
		cb.trialInFlight = false
	}

	if cb.onStateChange != nil {
		go cb.onStateChange(oldState, newState)
	}
}

// GetState returns the current state. An open breaker whose cooldown has
// elapsed still reports open until a caller claims the trial.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RemainingCooldown returns how long an open breaker keeps rejecting calls.
func (cb *CircuitBreaker) RemainingCooldown() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return 0
	}
	remaining := cb.config.ResetTimeout - cb.now().Sub(cb.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GetStats returns current circuit breaker statistics
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		TrialInFlight:   cb.trialInFlight,
		OpenedAt:        cb.openedAt,
		LastFailureTime: cb.lastFailureTime,
		StateChangeTime: cb.stateChangeTime,
	}
}

// Stats holds circuit breaker statistics
type Stats struct {
	Name            string
	State           State
	FailureCount    int
	TrialInFlight   bool
	OpenedAt        time.Time
	LastFailureTime time.Time
	StateChangeTime time.Time
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
	cb.failureCount = 0
	cb.trialInFlight = false
}
