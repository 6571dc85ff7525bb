package coordination

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy controls the sequential retry loop.
type RetryPolicy struct {
	// MaxRetries is the total number of attempts. Values below 1 mean one attempt.
	MaxRetries int
	// Delay separates consecutive attempts. It is constant, never grown.
	// Zero or negative retries immediately.
	Delay time.Duration
	// Timeout bounds each attempt's context. Zero leaves the context as is.
	Timeout time.Duration
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error, next time.Duration)
}

// Retry runs fn up to policy.MaxRetries times, sleeping policy.Delay between
// failures. The error from the last attempt is returned. Validation,
// resolution, unsupported-service and incompatible-format errors stop the
// loop immediately, as does cancellation of ctx.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	tries := policy.MaxRetries
	if tries < 1 {
		tries = 1
	}
	delay := max(policy.Delay, 0)

	attempt := 0
	op := func() (T, error) {
		attempt++
		attemptCtx, cancel := policy.attemptContext(ctx)
		defer cancel()

		v, err := fn(attemptCtx)
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(delay)),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithMaxElapsedTime(0),
	}
	if policy.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			policy.OnRetry(attempt, err, next)
		}))
	}

	v, err := backoff.Retry(ctx, op, opts...)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return v, err
}

func (p RetryPolicy) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.Timeout > 0 {
		return context.WithTimeout(ctx, p.Timeout)
	}
	return context.WithCancel(ctx)
}

// WithRetry runs fn under the retry policy derived from b's options and logs
// every retried failure.
func WithRetry[T any](ctx context.Context, b *Base, fn func(ctx context.Context) (T, error)) (T, error) {
	opts := b.Options()
	return Retry(ctx, RetryPolicy{
		MaxRetries: opts.MaxRetries,
		Delay:      opts.RetryDelay,
		Timeout:    opts.Timeout,
		OnRetry: func(attempt int, err error, next time.Duration) {
			b.logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("max_retries", opts.MaxRetries).
				Dur("next", next).
				Msg("attempt failed, retrying")
		},
	}, fn)
}
