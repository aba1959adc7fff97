package agent

import (
	"context"
	"strings"
	"time"
)

// RetryPolicy governs provider-call retries with exponential backoff.
// Sleep is injectable so tests can run on a simulated clock.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	MaxAttempts  int
	Sleep        func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy matches the provider retry defaults: 2s initial,
// doubling, capped at 30s, five attempts total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2,
		MaxAttempts:  5,
	}
}

// Backoff returns the delay before the given attempt (1-based): the
// first retry waits InitialDelay, each later one multiplies by Factor
// up to MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn up to MaxAttempts times, backing off between attempts.
// fn receives the 1-based attempt number so callers can reset
// per-attempt state. Non-retryable errors and context cancellation
// stop immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == p.MaxAttempts {
			return err
		}
		if serr := p.sleep(ctx, p.Backoff(attempt)); serr != nil {
			return serr
		}
	}
	return err
}

// retryableSubstrings classifies provider errors by message content.
// Matching is case-insensitive.
var retryableSubstrings = []string{
	// transient network failures
	"connection", "timeout", "econnreset", "network",
	// rate limiting
	"rate", "too many requests", "429", "throttl",
	// server-side failures
	"500", "502", "503", "504", "server error", "overloaded", "unavailable",
	// stream/quota interruptions
	"exhausted", "capacity", "ended prematurely",
}

// IsRetryable reports whether an error looks transient enough to retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
