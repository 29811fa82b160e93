package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state. Calls pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls without reaching the dependency.
	CircuitOpen
	// CircuitHalfOpen lets a limited number of trial calls through.
	CircuitHalfOpen
)

// String returns a human-readable representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ErrCircuitOpen is returned when the circuit breaker refuses a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Call results reported to a BreakerObserver.
const (
	CallSucceeded = "success"
	CallFailed    = "failure"
	// CallIgnored is an error that IsFailure does not count.
	CallIgnored  = "ignored"
	CallRejected = "rejected"
)

// BreakerObserver receives per-call results and state changes.
type BreakerObserver interface {
	ObserveBreakerCall(name, result string)
	ObserveBreakerState(name, state string)
}

// CircuitBreakerConfig holds the parameters for a circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the protected dependency in logs, metrics and alerts.
	Name string `json:"name" yaml:"name"`

	// FailureThreshold is the number of consecutive failures that trips
	// the circuit. Defaults to 5.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// SuccessThreshold is the number of half-open successes that closes
	// the circuit. Defaults to 2.
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`

	// Timeout is how long the circuit stays open before admitting trial calls.
	// Defaults to 30 seconds.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MaxConcurrent caps in-flight half-open trial calls. Defaults to 1.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`

	// IsFailure decides whether an error counts against the circuit. Nil
	// counts every error.
	IsFailure func(error) bool `json:"-" yaml:"-"`
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.IsFailure == nil {
		c.IsFailure = func(error) bool { return true }
	}
	return c
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerObserver reports call results and transitions to o.
func WithBreakerObserver(o BreakerObserver) BreakerOption {
	return func(cb *CircuitBreaker) { cb.observer = o }
}

// CircuitBreaker guards calls to a dependency so that an outage fails fast
// instead of tying up every caller.
//
// Every state change starts a new generation. A call is tied to the
// generation it was admitted in, and its result is dropped if the circuit
// has moved on by the time it returns.
type CircuitBreaker struct {
	config   CircuitBreakerConfig
	observer BreakerObserver
	now      func() time.Time

	mu            sync.Mutex
	state         CircuitState
	generation    uint64
	failures      int
	successes     int
	inFlight      int
	openedAt      time.Time
	onStateChange func(from, to CircuitState)
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		config: config.withDefaults(),
		state:  CircuitClosed,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	if cb.observer != nil {
		cb.observer.ObserveBreakerState(cb.config.Name, CircuitClosed.String())
	}
	return cb
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string { return cb.config.Name }

// OnStateChange registers a callback invoked on every transition. It runs
// with the breaker's lock held and must not call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the circuit refuses the call, in which case it
// returns ErrCircuitOpen without calling fn. An error that IsFailure does
// not count is treated as a success for the circuit but still returned.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	gen, err := cb.admit()
	if err != nil {
		cb.observeCall(CallRejected)
		return err
	}

	err = fn(ctx)
	failed := err != nil && cb.config.IsFailure(err)
	cb.settle(gen, failed)

	switch {
	case failed:
		cb.observeCall(CallFailed)
	case err != nil:
		cb.observeCall(CallIgnored)
	default:
		cb.observeCall(CallSucceeded)
	}
	return err
}

// admit decides whether a call may proceed and returns its generation.
func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if cb.openElapsed(now) {
		cb.setState(CircuitHalfOpen, now)
	}

	switch cb.state {
	case CircuitClosed:
		return cb.generation, nil
	case CircuitHalfOpen:
		if cb.inFlight >= cb.config.MaxConcurrent {
			return 0, ErrCircuitOpen
		}
		cb.inFlight++
		return cb.generation, nil
	default:
		return 0, ErrCircuitOpen
	}
}

// settle records the result of a call admitted in generation gen.
func (cb *CircuitBreaker) settle(gen uint64, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if gen != cb.generation {
		return
	}
	now := cb.now()

	switch cb.state {
	case CircuitClosed:
		if !failed {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.setState(CircuitOpen, now)
		}

	case CircuitHalfOpen:
		if cb.inFlight > 0 {
			cb.inFlight--
		}
		if failed {
			cb.setState(CircuitOpen, now)
			return
		}
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(CircuitClosed, now)
		}
	}
}

// openElapsed reports whether an open circuit is due for trial calls. Caller
// holds cb.mu.
func (cb *CircuitBreaker) openElapsed(now time.Time) bool {
	return cb.state == CircuitOpen && now.Sub(cb.openedAt) >= cb.config.Timeout
}

// setState moves to a new generation. Caller holds cb.mu.
func (cb *CircuitBreaker) setState(to CircuitState, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.generation++
	cb.failures, cb.successes, cb.inFlight = 0, 0, 0
	if to == CircuitOpen {
		cb.openedAt = now
	}

	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
	if cb.observer != nil {
		cb.observer.ObserveBreakerState(cb.config.Name, to.String())
	}
}

func (cb *CircuitBreaker) observeCall(result string) {
	if cb.observer != nil {
		cb.observer.ObserveBreakerCall(cb.config.Name, result)
	}
}

// State returns the current state. An open circuit whose timeout elapsed
// reports half-open; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.openElapsed(cb.now()) {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset closes the circuit and clears all counters. Calls still in flight
// from before the reset are not counted.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitClosed {
		cb.generation++
		cb.failures, cb.successes, cb.inFlight = 0, 0, 0
		return
	}
	cb.setState(CircuitClosed, cb.now())
}

// Counts returns the current failure and success counters.
func (cb *CircuitBreaker) Counts() (failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.successes
}
