package lock

import (
	"context"
	"time"

	acqerrors "github.com/mirkobrombin/go-acquirel/v1/errors"
)

// TimeoutOptions bounds WithTimeout by wall-clock time.
type TimeoutOptions struct {
	// Timeout is the total time budget, measured from the call to WithTimeout.
	Timeout time.Duration
	// Interval is the fixed pause before every retry.
	Interval time.Duration
}

// MaxRetriesOptions bounds WithMaxRetries by attempt count.
type MaxRetriesOptions struct {
	// MaxRetries is the number of attempts made after the one that produced
	// the input result.
	MaxRetries int
	// Interval is the fixed pause before every retry.
	Interval time.Duration
}

// WithTimeout retries a failed acquisition until it succeeds or no further
// retry fits in the time budget: a retry is only started while
// elapsed+Interval < Timeout. An acquired input is returned as is.
//
// The result is the last attempt, which may still be a *Failure. A store
// error stops the loop and is returned together with the last result, as is
// ctx.Err() when ctx ends during a pause.
func WithTimeout(ctx context.Context, res Result, opts TimeoutOptions) (Result, error) {
	f, err := pending(res)
	if f == nil || err != nil {
		return res, err
	}
	if opts.Timeout < 0 || opts.Interval < 0 {
		return res, acqerrors.ErrInvalidPolicy
	}

	start := time.Now()
	for time.Since(start)+opts.Interval < opts.Timeout {
		if err := sleep(ctx, opts.Interval); err != nil {
			return res, err
		}
		next, err := f.Retry(ctx)
		if err != nil {
			return res, err
		}
		res = next
		if f, _ = next.(*Failure); f == nil {
			return res, nil
		}
	}
	return res, nil
}

// WithMaxRetries retries a failed acquisition at most MaxRetries times,
// pausing Interval before each retry. An acquired input is returned as is,
// and so is a failed one when MaxRetries is zero.
//
// Errors are reported as in WithTimeout.
func WithMaxRetries(ctx context.Context, res Result, opts MaxRetriesOptions) (Result, error) {
	f, err := pending(res)
	if f == nil || err != nil {
		return res, err
	}
	if opts.MaxRetries < 0 || opts.Interval < 0 {
		return res, acqerrors.ErrInvalidPolicy
	}

	for left := opts.MaxRetries; left > 0; left-- {
		if err := sleep(ctx, opts.Interval); err != nil {
			return res, err
		}
		next, err := f.Retry(ctx)
		if err != nil {
			return res, err
		}
		res = next
		if f, _ = next.(*Failure); f == nil {
			return res, nil
		}
	}
	return res, nil
}

// pending returns the failure to retry, or nil when res is already acquired.
func pending(res Result) (*Failure, error) {
	if res == nil {
		return nil, acqerrors.ErrNilResult
	}
	f, _ := res.(*Failure)
	return f, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
