package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// TransientError marks a failure worth retrying (rate limits, 5xx,
// connection resets).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient llm error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err, or anything it wraps, is a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// Logger is the subset of the application logger used here.
type Logger interface {
	Warn(msg string, args ...any)
}

// RetryPolicy bounds retries within one execution attempt.
type RetryPolicy struct {
	MaxRetries   uint64
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Resilient wraps a Provider with a client-side rate limit and bounded
// exponential backoff for transient errors. Once the budget is spent the
// last error is returned.
type Resilient struct {
	next    Provider
	limiter *rate.Limiter
	policy  RetryPolicy
	logger  Logger
}

// NewResilient wraps next. A non-positive rps disables rate limiting.
func NewResilient(next Provider, policy RetryPolicy, rps float64, burst int, logger Logger) *Resilient {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	return &Resilient{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
		policy:  policy,
		logger:  logger,
	}
}

// Complete implements Provider.
func (r *Resilient) Complete(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	attempt := 0

	op := func() error {
		attempt++
		if err := r.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
		}
		out, err := r.next.Complete(ctx, req)
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = out
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.policy.InitialDelay
	expo.MaxInterval = r.policy.MaxDelay
	expo.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(expo, r.policy.MaxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		if r.logger != nil {
			r.logger.Warn("llm call failed, retrying", "attempt", attempt, "wait", wait.String(), "error", err)
		}
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return resp, nil
}
