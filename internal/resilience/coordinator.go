package resilience

import (
	"math/rand"
	"time"

	"chatbridge/internal/errs"
)

// RetryPolicy configures the Rate-Limit Coordinator (component E).
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultRetryPolicy returns spec.md §4.4's defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		BaseDelay:    1000 * time.Millisecond,
		MaxDelay:     32000 * time.Millisecond,
		JitterFactor: 0.1,
	}
}

// Coordinator is component E: executeWithRetry(thunk, label) -> result,
// wrapping an operation in retry-after-aware exponential backoff and
// jitter.
type Coordinator struct {
	policy RetryPolicy
	sleep  func(time.Duration)
}

// NewCoordinator returns a Coordinator applying policy to every call.
func NewCoordinator(policy RetryPolicy) *Coordinator {
	return &Coordinator{policy: policy, sleep: time.Sleep}
}

// Backoff computes the delay before the (1-indexed) attempt'th retry, per
// spec.md §4.4: min(cap, base*2^attempt) plus uniform jitter in
// ±(delay*jitterFactor/2).
func (c *Coordinator) Backoff(attempt int) time.Duration {
	return backoff(c.policy, attempt)
}

func backoff(policy RetryPolicy, attempt int) time.Duration {
	raw := float64(policy.BaseDelay) * pow2(attempt)
	capped := raw
	if maxDelay := float64(policy.MaxDelay); capped > maxDelay {
		capped = maxDelay
	}
	jitterSpan := capped * policy.JitterFactor
	jitter := (rand.Float64() - 0.5) * jitterSpan
	d := time.Duration(capped + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

func pow2(n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= 2
	}
	return out
}

// Execute runs thunk, retrying on retryable *errs.Error results up to
// MaxAttempts, per spec.md §4.4 and §7's propagation policy. Non-rate-limit
// errors are rethrown immediately without consuming a retry.
func (c *Coordinator) Execute(label string, thunk func() (any, error)) (any, error) {
	var lastErr *errs.Error
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		result, err := thunk()
		if err == nil {
			return result, nil
		}

		e, ok := errs.As(err)
		if !ok {
			return nil, err
		}
		if e.Kind != errs.KindRateLimit {
			return nil, err
		}
		lastErr = e

		if attempt == c.policy.MaxAttempts-1 {
			break
		}

		wait := c.Backoff(attempt)
		if hint, ok := e.RateLimitHint(); ok && hint.HasRetryAfter {
			wait = time.Duration(hint.RetryAfterSeconds * float64(time.Second))
		}
		c.sleep(wait)
	}

	return nil, lastErr.
		WithRetryable(false).
		WithContext("attempts", c.policy.MaxAttempts).
		WithContext("label", label)
}
