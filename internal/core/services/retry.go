package services

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy is a small, library-independent backoff policy: base
// delay, multiplier, max attempts, full jitter. Applied only at the
// engine submit and artifact fetch call sites, never as a
// general-purpose retry wrapper elsewhere.
type RetryPolicy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultRetryPolicy is base 5s, multiplier 2, 3 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   5 * time.Second,
		Multiplier:  2,
		MaxAttempts: 3,
	}
}

// delay returns the full-jitter backoff slept after attempt n (1-indexed)
// fails: a uniform draw from [0, BaseDelay*Multiplier^(n-1)].
func (p RetryPolicy) delay(attempt int) time.Duration {
	capped := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	return time.Duration(rand.Int63n(int64(capped) + 1))
}

// Do runs fn up to MaxAttempts times, sleeping a full-jitter backoff
// between attempts. retryable decides whether an error is worth another
// attempt; a non-retryable error (or the final attempt) returns
// immediately. Do returns ctx.Err() if ctx is cancelled while sleeping.
func (p RetryPolicy) Do(ctx context.Context, retryable func(error) bool, fn func() error) error {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == p.MaxAttempts || !retryable(err) {
			return err
		}
		select {
		case <-time.After(p.delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
