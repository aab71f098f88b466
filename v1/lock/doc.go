// Package lock implements a distributed mutual-exclusion lock on top of a
// shared store with atomic set-if-absent and compare-and-delete primitives.
//
// Acquire makes exactly one claim attempt. Contention is not an error: the
// attempt yields a *Failure that can be retried, while an infrastructure
// failure is returned as an error. A successful claim yields a *Lock whose
// Release removes the entry only if it still carries the token written by
// that claim, so a holder whose TTL expired can never delete a successor's
// lock.
//
//	m := lock.New(adapter.NewRedisStore(client))
//	res, err := m.AcquireWithTimeout(ctx, "invoices", 10*time.Second,
//		lock.TimeoutOptions{Timeout: 2 * time.Second, Interval: 100 * time.Millisecond})
//	if err != nil {
//		return err
//	}
//	l, ok := res.(*lock.Lock)
//	if !ok {
//		return errBusy
//	}
//	defer l.Release(ctx)
//
// Retry policies poll at a fixed interval without jitter or backoff. Many
// contenders sharing an interval will retry in lockstep.
package lock
