// Package resilience provides reliability patterns for calls to the event
// backend and other remote dependencies.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker opens after maxFailures consecutive failures and rejects calls
// until timeout elapses. It then lets a single trial call through: success closes
// it, failure re-opens it.
type Breaker struct {
	name        string
	mu          sync.Mutex
	state       State
	failures    int
	probing     bool
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	now         func() time.Time // for testing

	// ignore classifies errors that say nothing about the dependency's
	// health (caller cancellation, rejected input). Such errors pass
	// through without counting.
	ignore func(error) bool
}

// NewBreaker creates a circuit breaker named name for logging.
func NewBreaker(name string, maxFailures int, timeout time.Duration) *Breaker {
	return &Breaker{
		name:        name,
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
		ignore: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
	}
}

// IgnoreErrors replaces the classifier for errors that must not count as
// failures. Context cancellation is always ignored.
func (b *Breaker) IgnoreErrors(fn func(error) bool) *Breaker {
	b.ignore = func(err error) bool {
		return errors.Is(err, context.Canceled) || fn(err)
	}
	return b
}

// Execute runs fn unless the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	return b.Call(context.Background(), func(context.Context) error { return fn() })
}

// Call runs fn with ctx unless the circuit is open.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !b.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case err == nil:
		b.onSuccess()
	case b.ignore(err):
		b.probing = false
	default:
		b.onFailure()
	}
	return err
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.timeout {
			return false
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.failures++
	b.probing = false
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.openedAt = b.now()
		b.setState(StateOpen)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = 0
	b.probing = false
	b.setState(StateClosed)
}

// setState must be called with b.mu held.
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	slog.Info("circuit breaker state change", "breaker", b.name, "from", b.state.String(), "to", s.String())
	b.state = s
}
