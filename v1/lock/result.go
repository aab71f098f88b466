package lock

import (
	"context"
	"time"
)

// Result is the outcome of one acquisition attempt: either a *Lock or a
// *Failure.
type Result interface {
	// Acquired reports whether the attempt claimed the lock.
	Acquired() bool
	isResult()
}

// acquirer performs a single claim attempt. attempt counts the claims made
// for the same request, starting at 1.
type acquirer interface {
	acquire(ctx context.Context, key string, ttl time.Duration, attempt int) (Result, error)
}

// Lock is a held lock. It carries the token written by its claim, which is
// the only proof of ownership.
type Lock struct {
	manager    *Manager
	key        string
	storeKey   string
	token      string
	ttl        time.Duration
	acquiredAt time.Time
	attempt    int
}

func (*Lock) isResult() {}

// Acquired implements Result.
func (*Lock) Acquired() bool { return true }

// Key returns the resource key as passed to Acquire.
func (l *Lock) Key() string { return l.key }

// Token returns the release token written to the store.
func (l *Lock) Token() string { return l.token }

// TTL returns the expiry the lock was claimed with.
func (l *Lock) TTL() time.Duration { return l.ttl }

// ExpiresAt estimates when the store drops the entry, based on the local
// clock at the time of the claim.
func (l *Lock) ExpiresAt() time.Time { return l.acquiredAt.Add(l.ttl) }

// Attempt returns how many claims it took to obtain the lock.
func (l *Lock) Attempt() int { return l.attempt }

// Release deletes the lock if the store still holds this lock's token. It
// returns true only when this call removed the entry; releasing an expired,
// taken over or already released lock returns false. Calling Release more
// than once is safe.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	return l.manager.release(ctx, l)
}

// Failure is an attempt that found the lock held by someone else.
type Failure struct {
	acquirer acquirer
	key      string
	ttl      time.Duration
	attempt  int
}

func (*Failure) isResult() {}

// Acquired implements Result.
func (*Failure) Acquired() bool { return false }

// Key returns the resource key that was contended.
func (f *Failure) Key() string { return f.key }

// Attempt returns how many claims have failed so far.
func (f *Failure) Attempt() int { return f.attempt }

// Retry makes a fresh attempt for the same key and TTL, with a new token.
func (f *Failure) Retry(ctx context.Context) (Result, error) {
	return f.acquirer.acquire(ctx, f.key, f.ttl, f.attempt+1)
}
