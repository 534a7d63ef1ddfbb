package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Osminogka/OAuthServer/storage"
)

// retryPolicy says whether a storage call may be repeated after a
// transient failure. Only calls that are safe to repeat are retried: a
// consuming call (redeem, rotate, consume pending) that committed before
// its reply was lost would, on retry, look like credential reuse.
type retryPolicy bool

const (
	retryIdempotent retryPolicy = true
	noRetry         retryPolicy = false
)

// storeCall runs fn under StoreTimeout, retrying transient failures with
// exponential backoff when policy allows. Failures that are still transient
// afterwards are wrapped in ErrTransientStore; everything else is returned
// unchanged so callers can match storage sentinels.
func storeCall[T any](ctx context.Context, s *Server, operation string, policy retryPolicy, fn func(context.Context) (T, error)) (T, error) {
	call := func() (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.Config.StoreTimeout)
		defer cancel()
		return fn(callCtx)
	}

	var (
		res T
		err error
	)
	if policy == noRetry || s.Config.StoreRetryAttempts <= 1 {
		res, err = call()
	} else {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.Config.StoreRetryInitialInterval

		res, err = backoff.Retry(ctx, func() (T, error) {
			res, err := call()
			if err != nil && !isTransientStoreError(ctx, err) {
				return res, backoff.Permanent(err)
			}
			return res, err
		},
			backoff.WithBackOff(b),
			backoff.WithMaxTries(uint(s.Config.StoreRetryAttempts)),
			backoff.WithNotify(func(err error, next time.Duration) {
				s.Logger.Debug("Retrying storage operation",
					"operation", operation,
					"error", err,
					"backoff", next)
				if s.metrics != nil {
					s.metrics.RecordStorageRetry(ctx, operation)
				}
			}),
		)
		// The final attempt comes back still wrapped.
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
	}

	if err != nil && isTransientStoreError(ctx, err) {
		s.Logger.Error("Storage operation failed",
			"operation", operation,
			"error", err)
		return res, fmt.Errorf("%w: %s: %w", ErrTransientStore, operation, err)
	}
	return res, err
}

// storeExec is storeCall for operations without a result.
func storeExec(ctx context.Context, s *Server, operation string, policy retryPolicy, fn func(context.Context) error) error {
	_, err := storeCall(ctx, s, operation, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// isTransientStoreError reports whether err is worth retrying: the backing
// service said it is unavailable, or our per-call timeout fired while the
// caller's own context is still live.
func isTransientStoreError(parent context.Context, err error) bool {
	if errors.Is(err, storage.ErrStoreUnavailable) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil
}
