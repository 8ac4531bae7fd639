package gateway

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"perp_go/internal/domain"
)

// Policy applies exponential backoff with jitter to an operation.
// Waits double from MinWait up to MaxWait, plus 0-1s of random jitter so
// concurrent callers do not retry in lockstep. Only retriable errors
// (domain.IsRetriable) are retried; anything else propagates on first
// occurrence.
type Policy struct {
	MaxAttempts int
	MinWait     time.Duration
	MaxWait     time.Duration

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// OrderPolicy is the default for order placement: patient, because giving
// up too early risks a duplicate submission on the next cycle.
func OrderPolicy() Policy {
	return Policy{MaxAttempts: 5, MinWait: 2 * time.Second, MaxWait: 60 * time.Second}
}

// CancelPolicy is the default for cancellations.
func CancelPolicy() Policy {
	return Policy{MaxAttempts: 3, MinWait: time.Second, MaxWait: 10 * time.Second}
}

// QueryPolicy is the default for read-only calls.
func QueryPolicy() Policy {
	return Policy{MaxAttempts: 3, MinWait: time.Second, MaxWait: 5 * time.Second}
}

// Do runs fn until it succeeds, fails fatally, or attempts run out.
// fn receives the 1-based attempt number. The returned error is the last
// one fn produced, or the context error if the backoff sleep was cut short.
func (p Policy) Do(ctx context.Context, op string, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !domain.IsRetriable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := p.backoff(attempt)
		slog.Warn("transient failure, retrying",
			"op", op, "attempt", attempt, "wait", wait.Round(time.Millisecond), "error", err)
		if err := p.sleepFor(ctx, wait); err != nil {
			return err
		}
	}
	slog.Error("giving up after exhausting retries", "op", op, "attempts", p.MaxAttempts, "error", lastErr)
	return lastErr
}

func (p Policy) backoff(attempt int) time.Duration {
	wait := p.MinWait << (attempt - 1)
	if wait <= 0 || wait > p.MaxWait {
		wait = p.MaxWait
	}
	j := p.jitter
	if j == nil {
		j = defaultJitter
	}
	return wait + j()
}

func (p Policy) sleepFor(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
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

func defaultJitter() time.Duration {
	return time.Duration(rand.Int64N(int64(time.Second)))
}
