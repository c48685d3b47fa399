package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/lucianasi/C4Audit/internal/report"
)

// Retry executes fn up to maxAttempts times with jittered exponential
// backoff: delay doubles per attempt and 0-50% of it is added as jitter.
// It stops early when retryable returns false for the error.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, retryable func(error) bool, fn func() error) error {
	var lastErr error
	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}
		if retryable != nil && !retryable(lastErr) {
			break
		}
		var jitter time.Duration
		if half := int64(delay / 2); half > 0 {
			jitter = time.Duration(rand.Int63n(half))
		}
		timer := time.NewTimer(delay + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
		delay *= 2
	}
	return lastErr
}

// Transient reports whether err is worth another attempt. Pages outside the
// dataset, oversized pages, client HTTP errors and cancellation are final.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if report.IsSkip(err) || errors.Is(err, report.ErrBodyTooLarge) {
		return false
	}
	var he *report.HTTPError
	if errors.As(err, &he) {
		return he.Temporary()
	}
	return true
}
