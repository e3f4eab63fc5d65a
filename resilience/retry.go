package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/gleitzeit/gleitzeit/core"
)

// Classifier partitions errors into retryable and non-retryable.
type Classifier func(error) bool

// Retry executes fn up to policy.MaxAttempts times, sleeping between
// attempts according to the policy's backoff strategy. The classifier
// decides whether a failure is worth retrying; core.IsRetryable is used
// when nil. Sleeps are cancel-aware. Circuit breaker rejections do not
// consume an attempt: the loop waits out the backoff and retries with the
// same attempt number.
//
// onAttempt, when set, is invoked with the attempt number (starting at 1)
// before each try so callers can persist progress.
func Retry(ctx context.Context, policy *core.RetryPolicy, classify Classifier, onAttempt func(int), fn func(ctx context.Context) error) error {
	if policy == nil {
		policy = core.DefaultRetryPolicy()
	}
	if classify == nil {
		classify = core.IsRetryable
	}

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	attempt := 1
	for attempt <= maxAttempts {
		select {
		case <-ctx.Done():
			return core.WrapError(core.CodeCancelled, "retry cancelled", ctx.Err())
		default:
		}

		if onAttempt != nil {
			onAttempt(attempt)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if core.IsCircuitOpen(err) {
			// Synthetic breaker rejection: wait for the breaker, not
			// the task's attempt budget.
			if serr := sleep(ctx, Backoff(policy, attempt)); serr != nil {
				return serr
			}
			continue
		}

		if !classify(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		if serr := sleep(ctx, Backoff(policy, attempt)); serr != nil {
			return serr
		}
		attempt++
	}

	return lastErr
}

// Backoff computes the delay before the attempt following attempt n
// (1-based) under the given policy.
func Backoff(policy *core.RetryPolicy, attempt int) time.Duration {
	if policy == nil {
		return time.Second
	}
	initial := policy.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}

	var delay time.Duration
	switch policy.Strategy {
	case core.BackoffLinear:
		delay = initial * time.Duration(attempt)
	case core.BackoffExponential:
		multiplier := policy.Multiplier
		if multiplier <= 1 {
			multiplier = 2.0
		}
		delay = initial
		for i := 1; i < attempt; i++ {
			delay = time.Duration(float64(delay) * multiplier)
			if policy.MaxDelay > 0 && delay >= policy.MaxDelay {
				delay = policy.MaxDelay
				break
			}
		}
	default:
		delay = initial
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	if policy.Jitter {
		// Full jitter: uniform in (0, delay].
		delay = time.Duration(rand.Float64() * float64(delay)) //nolint:gosec
		if delay <= 0 {
			delay = time.Millisecond
		}
	}
	return delay
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return core.WrapError(core.CodeCancelled, "retry cancelled during backoff", ctx.Err())
	case <-timer.C:
		return nil
	}
}
