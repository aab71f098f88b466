// Package errors holds the sentinel errors shared by the acquirel packages.
// Match them with errors.Is; adapters wrap the underlying client error so the
// original cause stays reachable.
package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrUnknownScript is returned by a store when a compare-and-delete handle
	// no longer refers to a registered script, e.g. after a Redis restart or
	// SCRIPT FLUSH.
	ErrUnknownScript = errors.New("acquirel: unknown script handle")

	ErrInvalidKey    = errors.New("acquirel: lock key must not be empty")
	ErrInvalidTTL    = errors.New("acquirel: lock ttl must be at least one millisecond")
	ErrInvalidPolicy = errors.New("acquirel: retry policy values must not be negative")
	ErrNilResult     = errors.New("acquirel: nil acquisition result")

	// ErrCircuitOpen is returned by the circuit breaker store while it is
	// rejecting calls.
	ErrCircuitOpen = errors.New("acquirel: circuit breaker is open")
)
