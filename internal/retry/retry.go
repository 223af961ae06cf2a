// Package retry runs an operation under a bounded retry-with-backoff policy.
package retry

import (
	"context"
	"time"
)

// Policy decides how many times an operation runs, which failures are worth
// another attempt and how long to wait between attempts.
type Policy struct {
	MaxAttempts int
	Retryable   func(error) bool
	// Backoff returns the wait after the given failed attempt (1-based).
	Backoff func(attempt int) time.Duration
	// Sleep waits for d or until ctx is done. Nil means a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Exponential returns 2^attempt * base: 2s, 4s, 8s for base = 1s.
func Exponential(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base * time.Duration(1<<uint(attempt))
	}
}

// Overload is the policy shared by the prediction and strategy engines:
// three attempts, retrying only on the overload signal.
func Overload(isOverloaded func(error) bool) Policy {
	return Policy{
		MaxAttempts: 3,
		Retryable:   isOverloaded,
		Backoff:     Exponential(time.Second),
	}
}

// Do calls fn until it succeeds, fails with a non retryable error or the
// attempts are exhausted. It returns the number of attempts made and the last
// error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	var err error
	for attempt := 1; attempt <= max; attempt++ {
		err = fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if p.Retryable == nil || !p.Retryable(err) || attempt == max {
			return attempt, err
		}
		if p.Backoff != nil {
			if serr := sleep(ctx, p.Backoff(attempt)); serr != nil {
				return attempt, err
			}
		}
	}
	return max, err
}

func timerSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
