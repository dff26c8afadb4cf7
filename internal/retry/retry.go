// Package retry runs an operation until it succeeds, a check rejects
// the error, or the context is canceled, sleeping an exponential
// backoff between attempts.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"
)

const (
	defaultMinBackoff = 1 * time.Second
	defaultMaxBackoff = 5 * time.Second
)

type RunFunc func(ctx context.Context) error
type RunValueFunc[T any] func(ctx context.Context) (T, error)

// CheckFunc decides whether the attempt's error is worth retrying.
type CheckFunc func(tries int, err error) bool

type checkFuncWithPrevious func(tries int, err error, shouldRetry bool) bool

// Retry is a configurable retry loop.  The zero check retries every
// error; chain With* calls to narrow it.
type Retry[T any] struct {
	run     RunValueFunc[T]
	check   CheckFunc
	backoff *backoff.Backoff
}

func New(run RunFunc) *Retry[any] {
	return NewWithValue(func(ctx context.Context) (any, error) {
		return nil, run(ctx)
	})
}

func NewWithValue[T any](run RunValueFunc[T]) *Retry[T] {
	return &Retry[T]{
		run: run,
		check: func(_ int, _ error) bool {
			return true
		},
		backoff: &backoff.Backoff{Min: defaultMinBackoff, Max: defaultMaxBackoff},
	}
}

func (r *Retry[T]) wrapCheck(newCheck checkFuncWithPrevious) *Retry[T] {
	originalCheck := r.check
	return r.WithCheck(func(tries int, err error) bool {
		shouldRetry := false
		if originalCheck != nil {
			shouldRetry = originalCheck(tries, err)
		}

		return newCheck(tries, err, shouldRetry)
	})
}

func (r *Retry[T]) WithCheck(check CheckFunc) *Retry[T] {
	r.check = check
	return r
}

func (r *Retry[T]) WithMaxTries(max int) *Retry[T] {
	return r.wrapCheck(func(tries int, err error, shouldRetry bool) bool {
		if tries >= max {
			return false
		}

		return shouldRetry
	})
}

func (r *Retry[T]) WithBackoff(min, max time.Duration) *Retry[T] {
	r.backoff = &backoff.Backoff{Min: min, Max: max}
	return r
}

// WithSlog logs a warning before each retry.
func (r *Retry[T]) WithSlog(logger *slog.Logger) *Retry[T] {
	return r.wrapCheck(func(tries int, err error, shouldRetry bool) bool {
		if shouldRetry {
			logger.Warn("retrying",
				slog.Int("tries", tries),
				slog.String("error", err.Error()),
			)
		}

		return shouldRetry
	})
}

func (r *Retry[T]) Run(ctx context.Context) error {
	_, err := r.RunValue(ctx)
	return err
}

// RunValue loops until the run succeeds or the check gives up.  Context
// cancellation during the backoff sleep aborts the loop; the returned
// error then joins the last attempt's error with the context's.
func (r *Retry[T]) RunValue(ctx context.Context) (T, error) {
	var err error
	var tries int
	var value T
	for {
		tries++
		value, err = r.run(ctx)
		if err == nil || !r.check(tries, err) {
			break
		}

		select {
		case <-time.After(r.backoff.Duration()):
		case <-ctx.Done():
			return value, errors.Join(err, ctx.Err())
		}
	}

	return value, err
}
