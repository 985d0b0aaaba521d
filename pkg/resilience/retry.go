// Package resilience provides retry with exponential backoff.
package resilience

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxRetries     int           // Max number of retries (0 = no retry)
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	Multiplier     float64       // Backoff multiplier (e.g., 2.0 for exponential)
}

// DefaultRetryConfig returns the defaults used when dialing the daemon.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }
func (p *permanentError) Cause() error  { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry executes fn with exponential backoff until success, a permanent
// error, max retries, or ctx cancellation. The last error is returned.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == cfg.MaxRetries {
			break
		}
		t := time.NewTimer(BackoffDuration(attempt, cfg.InitialBackoff, cfg.MaxBackoff, cfg.Multiplier))
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Wrap(lastErr, ctx.Err().Error())
		case <-t.C:
		}
	}
	return lastErr
}

// BackoffDuration calculates exponential backoff.
func BackoffDuration(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	d := time.Duration(float64(initial) * math.Pow(multiplier, float64(attempt)))
	if d > max {
		return max
	}
	return d
}
