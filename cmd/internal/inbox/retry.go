package inbox

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds retries of idempotent store calls.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultRetryPolicy retries 4 times after the first attempt, 200ms doubling up to 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 5, Base: 200 * time.Millisecond, Max: 5 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Max < p.Base {
		p.Max = max(d.Max, p.Base)
	}
	return p
}

// Backoff returns the wait before retry number n (1-based): exponential, capped at Max,
// with up to 20% jitter subtracted so concurrent engines do not retry in lockstep.
func (p RetryPolicy) Backoff(n int) time.Duration {
	p = p.normalized()
	if n < 1 {
		n = 1
	}
	d := p.Base
	for i := 1; i < n && d < p.Max; i++ {
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}
	if j := int64(d) / 5; j > 0 {
		d -= time.Duration(rand.Int64N(j))
	}
	return d
}

// retry runs fn until it succeeds, attempts run out, or ctx is done.
// Exhaustion is reported as *FetchError.
func retry[T any](ctx context.Context, p RetryPolicy, m *Metrics, op string, fn func(context.Context) (T, error)) (T, error) {
	p = p.normalized()

	var (
		zero T
		err  error
	)
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		var out T
		out, err = fn(ctx)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt == p.Attempts {
			break
		}
		m.retried(op)
		if werr := sleepCtx(ctx, p.Backoff(attempt)); werr != nil {
			return zero, werr
		}
	}
	return zero, &FetchError{Op: op, Attempts: p.Attempts, Err: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
