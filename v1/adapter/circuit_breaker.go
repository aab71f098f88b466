package adapter

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	acqerrors "github.com/mirkobrombin/go-acquirel/v1/errors"
)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Store with circuit breaker logic. Only
// infrastructure errors trip it: a rejected claim or a stale script handle
// is a normal answer from a healthy store.
type CircuitBreaker struct {
	store     Store
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a CircuitBreaker that opens after threshold
// consecutive failures and probes again once timeout has elapsed.
func NewCircuitBreaker(store Store, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		store:     store,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if calls would currently reach the store.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow reports whether a call may go through, moving Open to Half-Open once
// the timeout has passed. Half-Open admits a single probe.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	return false
}

// record updates the state after a call. A call the caller abandoned says
// nothing about the store: it neither counts as a failure nor closes the
// circuit, and an abandoned probe hands the probe to the next caller.
func (cb *CircuitBreaker) record(ctx context.Context, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case err == nil || stdErrors.Is(err, acqerrors.ErrUnknownScript):
		cb.state = stateClosed
		cb.failures = 0
		return
	case ctx.Err() != nil || stdErrors.Is(err, context.Canceled):
		if cb.state == stateHalfOpen {
			cb.state = stateOpen
		}
		return
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// SetIfAbsent implements Store.SetIfAbsent.
func (cb *CircuitBreaker) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !cb.allow() {
		return false, acqerrors.ErrCircuitOpen
	}
	ok, err := cb.store.SetIfAbsent(ctx, key, value, ttl)
	cb.record(ctx, err)
	return ok, err
}

// RegisterCompareAndDelete implements Store.RegisterCompareAndDelete.
func (cb *CircuitBreaker) RegisterCompareAndDelete(ctx context.Context) (string, error) {
	if !cb.allow() {
		return "", acqerrors.ErrCircuitOpen
	}
	handle, err := cb.store.RegisterCompareAndDelete(ctx)
	cb.record(ctx, err)
	return handle, err
}

// CompareAndDelete implements Store.CompareAndDelete.
func (cb *CircuitBreaker) CompareAndDelete(ctx context.Context, handle, key, value string) (bool, error) {
	if !cb.allow() {
		return false, acqerrors.ErrCircuitOpen
	}
	ok, err := cb.store.CompareAndDelete(ctx, handle, key, value)
	cb.record(ctx, err)
	return ok, err
}
