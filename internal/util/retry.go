package util

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryPolicy describes how an external call is retried: at most
// MaxAttempts calls, sleeping an exponentially growing, jittered delay
// between them. Only errors accepted by Retryable are retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64 // defaults to 2
	Jitter      float64 // fraction of the delay, 0..1

	// Retryable reports whether err is worth another attempt. A nil
	// predicate retries every error.
	Retryable func(err error) bool

	// Sleep waits for d or until ctx is done. Tests replace it to avoid
	// real delays; nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// ExhaustedError is returned when every attempt failed with a retryable
// error. It unwraps to the last error so callers can still classify it.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. fn receives the 1-based attempt number. Context
// cancellation is only observed between attempts; an attempt in progress is
// never abandoned by Do itself.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := max(p.MaxAttempts, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}

		// Don't sleep after the last failed attempt.
		if attempt == attempts {
			break
		}
		if serr := p.sleep(ctx, p.Backoff(attempt)); serr != nil {
			return fmt.Errorf("retry interrupted after %d attempts: %w", attempt, err)
		}
	}

	return &ExhaustedError{Attempts: attempts, Err: err}
}

// Backoff returns the delay after the given failed attempt: BaseDelay
// multiplied by Multiplier^(attempt-1), capped at MaxDelay, with up to
// Jitter of the delay added or removed at random.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}

	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if p.MaxDelay > 0 && delay >= float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
			break
		}
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		j := min(p.Jitter, 1)
		delay += delay * j * (2*rand.Float64() - 1)
	}
	return time.Duration(delay)
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
