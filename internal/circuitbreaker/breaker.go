// Package circuitbreaker implements a small {closed, open, half-open} state
// machine guarding calls against cascading failure. The gateway wraps its
// broker enqueue in one; fast-store calls are not wrapped.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Call when the breaker is open and
// short-circuiting calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

type state int

const (
	closed state = iota
	open
	halfOpen
)

// Breaker trips open after FailureThreshold consecutive failures and stays
// open for RecoveryTimeout before allowing a single trial call through.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	mu           sync.Mutex
	state        state
	failureCount int
	openedAt     time.Time
}

// New creates a Breaker with the given consecutive-failure threshold and
// open-state recovery window.
func New(name string, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            closed,
	}
}

// Call runs fn, tracking its success/failure against the breaker's state.
// When open, it returns ErrCircuitOpen without invoking fn, unless the
// recovery window has elapsed, in which case one trial call is let through.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allow() {
		return ErrCircuitOpen
	}

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failureCount++
		if b.state == halfOpen || b.failureCount >= b.failureThreshold {
			b.state = open
			b.openedAt = time.Now()
		}
		return err
	}

	b.failureCount = 0
	b.state = closed
	return nil
}

// allow reports whether a call may proceed, transitioning open->half-open
// once the recovery window has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case closed:
		return true
	case open:
		if time.Since(b.openedAt) >= b.recoveryTimeout {
			b.state = halfOpen
			return true
		}
		return false
	case halfOpen:
		// Only one trial call is admitted at a time; other callers get
		// ErrCircuitOpen until Call resolves the trial to open or closed.
		return false
	default:
		return true
	}
}

// IsOpen reports whether the breaker is currently short-circuiting calls.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == open
}

// Name returns the breaker's identifying label (used in log fields).
func (b *Breaker) Name() string {
	return b.name
}
