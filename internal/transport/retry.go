package transport

import (
	"context"
	"time"
)

// RetryConfig bounds the attempts of one SyncWithRetry call.
type RetryConfig struct {
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries int

	// BaseDelay is the wait after the first failed attempt. Each further
	// wait doubles.
	BaseDelay time.Duration

	// AttemptTimeout bounds a single HTTP exchange. Zero means no bound
	// beyond the caller's context.
	AttemptTimeout time.Duration
}

// DefaultRetryConfig returns 3 attempts, 1s base delay and a 30s attempt
// timeout.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

// Backoff returns the wait after failed attempt n (1-based):
// BaseDelay * 2^(n-1).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return c.BaseDelay << (attempt - 1)
}

// Sleeper waits between attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
