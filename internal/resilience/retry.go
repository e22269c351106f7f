// Package resilience provides reconnect-backoff and bounded-retry policies
// without pulling in a circuit-breaker library the rest of the pack does
// not actually depend on. ReconnectConfig is exposed through
// broker.ReconnectPolicy; no component currently calls Retry, and the
// broker's own reconnects are those of the Postgres listener.
package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig configures bounded exponential-backoff retry.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, adds randomness
}

// DefaultRetryConfig returns the per-message TransientDownstream retry
// policy: a handful of bounded attempts before the message is quarantined.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// ReconnectConfig returns the broker reconnect backoff policy mandated by
// the routing substrate: base 1s, cap 60s, jittered.
func ReconnectConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  0, // 0 means unbounded: reconnect is retried forever
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.3,
	}
}

// Retry executes fn with exponential backoff. A MaxAttempts of 0 retries
// until ctx is done.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; cfg.MaxAttempts <= 0 || attempt < cfg.MaxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(addJitter(delay, cfg.Jitter)):
		}
		delay = nextDelay(delay, cfg)
	}
	return lastErr
}

func nextDelay(current time.Duration, cfg RetryConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.Multiplier)
	if next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return next
}

func addJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}
