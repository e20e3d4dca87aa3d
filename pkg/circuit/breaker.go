// Package circuit provides a circuit breaker used in front of the blockchain node
// and the telemetry sinks so a dead dependency fails fast instead of stalling callers.
package circuit

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/bardlex/pplnspool/pkg/errors"
)

// ErrOpen is the cause attached to every rejection while the breaker is open.
var ErrOpen = stderrors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed State = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit allows limited requests to test recovery
	StateHalfOpen
)

// String returns string representation of the state
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
	Name            string        // Dependency name, reported in errors and state changes
	MaxFailures     int           // Consecutive failures before opening
	SuccessRequired int           // Successful trial calls required to close from half-open
	Timeout         time.Duration // How long to stay open before probing

	// OnStateChange, when set, is called after every transition outside the lock.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the configuration used for the node RPC client
func DefaultConfig(name string) *Config {
	return &Config{
		Name:            name,
		MaxFailures:     5,
		SuccessRequired: 2,
		Timeout:         15 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	mu     sync.Mutex

	state        State
	failures     int
	successes    int
	lastFailTime time.Time
	now          func() time.Time
}

// New creates a new circuit breaker
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig("default")
	}

	return &Breaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Execute runs fn unless the breaker is open. A rejected call never invokes fn.
func (cb *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs a function with circuit breaker protection and returns result
func ExecuteWithResult[T any](ctx context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	if !cb.allowRequest() {
		return zero, errors.Wrap(ErrOpen, errors.ErrorTypeNetwork, cb.config.Name, "dependency unavailable").
			WithContext("state", cb.State().String())
	}

	result, err := fn()

	// Cancellation says nothing about the dependency's health.
	if err != nil && ctx.Err() != nil {
		return result, err
	}

	cb.recordResult(err)
	return result, err
}

func (cb *Breaker) allowRequest() bool {
	cb.mu.Lock()
	from := cb.state
	allowed := true

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailTime) > cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.successes = 0
		} else {
			allowed = false
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return allowed
}

func (cb *Breaker) recordResult(err error) {
	cb.mu.Lock()
	from := cb.state

	if err != nil {
		cb.failures++
		cb.lastFailTime = cb.now()

		if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failures >= cb.config.MaxFailures) {
			cb.state = StateOpen
			cb.successes = 0
		}
	} else {
		switch cb.state {
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessRequired {
				cb.state = StateClosed
				cb.failures = 0
				cb.successes = 0
			}
		case StateClosed:
			cb.failures = 0
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

func (cb *Breaker) notify(from, to State) {
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// State returns the current state of the circuit breaker
func (cb *Breaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually resets the circuit breaker to closed state
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}
