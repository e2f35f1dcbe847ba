package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Default retry configuration constants.
const (
	// DefaultMaxAttempts is the default total number of attempts.
	DefaultMaxAttempts = 3

	// DefaultInitialBackoff is the default delay before the first retry.
	DefaultInitialBackoff = 500 * time.Millisecond

	// DefaultMaxBackoff is the default maximum backoff duration.
	DefaultMaxBackoff = 30 * time.Second

	// MaxJitterFactor is the maximum allowed jitter factor.
	MaxJitterFactor = 1.0
)

// Config contains retry configuration parameters.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Default is 3.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry; attempt n waits
	// InitialBackoff * 2^n. Default is 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps a single backoff. Default is 30s.
	MaxBackoff time.Duration

	// JitterFactor (0.0 to 1.0) adds up to that fraction of random delay.
	// Zero disables jitter.
	JitterFactor float64
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
	}
}

// GetMaxAttempts returns the effective number of attempts.
func (c *Config) GetMaxAttempts() int {
	if c == nil || c.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return c.MaxAttempts
}

// GetInitialBackoff returns the effective initial backoff.
func (c *Config) GetInitialBackoff() time.Duration {
	if c == nil || c.InitialBackoff <= 0 {
		return DefaultInitialBackoff
	}
	return c.InitialBackoff
}

// GetMaxBackoff returns the effective max backoff.
func (c *Config) GetMaxBackoff() time.Duration {
	if c == nil || c.MaxBackoff <= 0 {
		return DefaultMaxBackoff
	}
	return c.MaxBackoff
}

// GetJitterFactor returns the effective jitter factor.
func (c *Config) GetJitterFactor() float64 {
	if c == nil || c.JitterFactor <= 0 {
		return 0
	}
	if c.JitterFactor > MaxJitterFactor {
		return MaxJitterFactor
	}
	return c.JitterFactor
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func() error

// ShouldRetryFunc determines if an error should trigger a retry.
type ShouldRetryFunc func(error) bool

// OnRetryFunc is called before sleeping ahead of each retry. attempt is the
// zero-based index of the attempt that just failed.
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// Options contains optional retry behavior configuration.
type Options struct {
	// ShouldRetry determines if an error should trigger a retry.
	// If nil, all errors are retried.
	ShouldRetry ShouldRetryFunc

	// OnRetry is called before each retry sleep.
	OnRetry OnRetryFunc
}

// Result describes a finished Do run.
type Result struct {
	// Attempts is the number of times fn was invoked.
	Attempts int

	// Exhausted is true when the last error was retryable but no attempts
	// were left.
	Exhausted bool

	// Interrupted is true when ctx ended while waiting to retry a
	// retryable error.
	Interrupted bool
}

// Do executes fn with retry logic and returns the last error, if any.
func Do(ctx context.Context, cfg *Config, fn RetryableFunc, opts *Options) (Result, error) {
	maxAttempts := cfg.GetMaxAttempts()
	initialBackoff := cfg.GetInitialBackoff()
	maxBackoff := cfg.GetMaxBackoff()
	jitterFactor := cfg.GetJitterFactor()

	var res Result
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		res.Attempts++
		err := fn()
		if err == nil {
			return res, nil
		}

		if opts != nil && opts.ShouldRetry != nil && !opts.ShouldRetry(err) {
			return res, err
		}

		if attempt == maxAttempts-1 {
			res.Exhausted = true
			return res, err
		}

		backoff := CalculateBackoff(attempt, initialBackoff, maxBackoff, jitterFactor)
		if opts != nil && opts.OnRetry != nil {
			opts.OnRetry(attempt, err, backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Interrupted = true
			return res, err
		case <-timer.C:
		}
	}

	return res, nil
}

// CalculateBackoff returns initialBackoff * 2^attempt plus jitter, capped
// at maxBackoff.
func CalculateBackoff(attempt int, initialBackoff, maxBackoff time.Duration, jitterFactor float64) time.Duration {
	backoff := float64(initialBackoff) * math.Pow(2, float64(attempt))

	if jitterFactor > 0 {
		//nolint:gosec // G404: jitter for retry timing is not security-sensitive
		backoff += backoff * jitterFactor * rand.Float64()
	}

	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	return time.Duration(backoff)
}
