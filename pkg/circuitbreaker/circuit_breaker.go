package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Options configures a CircuitBreaker. Zero values take the defaults noted per field.
type Options struct {
	// MaxFailures is the number of consecutive failures that opens the circuit (default 5).
	MaxFailures uint32
	// Timeout is how long the circuit stays open before admitting a probe (default 30s).
	Timeout time.Duration
	// HalfOpenMaxCalls is the number of probes that must succeed to close again (default 1).
	HalfOpenMaxCalls uint32
	// IsFailure decides which errors count against the circuit. Default: every non-nil error.
	IsFailure func(error) bool
	// OnStateChange is called with the breaker lock released.
	OnStateChange func(name string, from, to State)
	Logger        *logrus.Logger
	Now           func() time.Time
}

// CircuitBreaker implements the circuit breaker pattern for external service calls
type CircuitBreaker struct {
	name string
	opts Options

	mu              sync.Mutex
	state           State
	failures        uint32
	lastFailureTime time.Time
	halfOpenCalls   uint32
	successCount    uint32
	requestCount    uint32
}

// New creates a circuit breaker with default options.
func New(name string, maxFailures uint32, timeout time.Duration) *CircuitBreaker {
	return NewWithOptions(name, Options{MaxFailures: maxFailures, Timeout: timeout})
}

func NewWithOptions(name string, opts Options) *CircuitBreaker {
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HalfOpenMaxCalls == 0 {
		opts.HalfOpenMaxCalls = 1
	}
	if opts.IsFailure == nil {
		opts.IsFailure = func(err error) bool { return err != nil }
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &CircuitBreaker{name: name, opts: opts, state: StateClosed}
}

// Execute runs fn if the circuit admits the call. A rejected call returns a
// *CircuitBreakerError without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	from, to := cb.state, cb.advanceLocked()

	var rejected error
	switch cb.state {
	case StateOpen:
		rejected = &CircuitBreakerError{Name: cb.name, State: cb.state}
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.opts.HalfOpenMaxCalls {
			rejected = &CircuitBreakerError{Name: cb.name, State: cb.state}
		} else {
			cb.halfOpenCalls++
		}
	}
	if rejected == nil {
		cb.requestCount++
	}
	cb.mu.Unlock()

	cb.notify(from, to)
	return rejected
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	from := cb.state

	if err != nil && cb.opts.IsFailure(err) {
		cb.failures++
		cb.lastFailureTime = cb.opts.Now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.opts.MaxFailures {
				cb.state = StateOpen
			}
		case StateHalfOpen:
			cb.state = StateOpen
		}
	} else {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
			cb.successCount++
		case StateHalfOpen:
			cb.successCount++
			if cb.successCount >= cb.opts.HalfOpenMaxCalls {
				cb.resetLocked()
			}
		}
	}

	to := cb.state
	failures := cb.failures
	cb.mu.Unlock()

	if from != to {
		fields := logrus.Fields{"circuit_breaker": cb.name, "state": to.String()}
		if to == StateOpen {
			fields["failures"] = failures
			cb.opts.Logger.WithFields(fields).Warn("Circuit breaker opened due to failures")
		} else {
			cb.opts.Logger.WithFields(fields).Info("Circuit breaker closed after successful recovery")
		}
	}
	cb.notify(from, to)
}

// advanceLocked moves an open circuit to half-open once the timeout has elapsed and
// returns the resulting state.
func (cb *CircuitBreaker) advanceLocked() State {
	if cb.state == StateOpen && cb.opts.Now().Sub(cb.lastFailureTime) >= cb.opts.Timeout {
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.successCount = 0
		cb.opts.Logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.name,
			"state":           "HALF_OPEN",
		}).Info("Circuit breaker transitioned to half-open")
	}
	return cb.state
}

func (cb *CircuitBreaker) resetLocked() {
	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
	cb.halfOpenCalls = 0
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.opts.OnStateChange != nil {
		cb.opts.OnStateChange(cb.name, from, to)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	from, to := cb.state, cb.advanceLocked()
	cb.mu.Unlock()

	cb.notify(from, to)
	return to
}

// Reset closes the circuit unconditionally.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.resetLocked()
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.name,
		State:           cb.state,
		Failures:        cb.failures,
		Requests:        cb.requestCount,
		Successes:       cb.successCount,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name            string
	State           State
	Failures        uint32
	Requests        uint32
	Successes       uint32
	LastFailureTime time.Time
}

// CircuitBreakerError represents an error when the circuit breaker is open
type CircuitBreakerError struct {
	Name  string
	State State
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// IsCircuitBreakerError checks if an error is a circuit breaker error
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}
