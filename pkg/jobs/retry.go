package jobs

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig controls how failed jobs are rescheduled.
type RetryConfig struct {
	// MaxRetries is the number of reschedules after the first attempt
	// (default: 3).
	MaxRetries int

	// InitialBackoff is the delay before the first retry (default: 30s).
	InitialBackoff time.Duration

	// MaxBackoff caps the delay (default: 30 minutes).
	MaxBackoff time.Duration

	// BackoffMultiplier is the exponential growth factor (default: 2).
	BackoffMultiplier float64

	// Jitter randomizes each delay by up to this fraction. Zero keeps
	// delays deterministic.
	Jitter float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    30 * time.Second,
		MaxBackoff:        30 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	return c
}

// NextRetry returns the delay before attempt retryCount+1, growing as
// min(initial * multiplier^(retryCount-1), max).
func (c RetryConfig) NextRetry(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialBackoff
	b.Multiplier = c.BackoffMultiplier
	b.MaxInterval = c.MaxBackoff
	b.RandomizationFactor = c.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < retryCount; i++ {
		d = b.NextBackOff()
	}
	if d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}
