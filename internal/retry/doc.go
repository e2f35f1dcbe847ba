// Package retry provides exponential backoff retry functionality.
//
// An operation is attempted up to MaxAttempts times. Between attempts the
// caller sleeps InitialBackoff * 2^attempt (capped at MaxBackoff, plus an
// optional jitter), and a ShouldRetry predicate decides whether a failure
// is worth another attempt:
//
//	cfg := &retry.Config{MaxAttempts: 3, InitialBackoff: 500 * time.Millisecond}
//	err := retry.Do(ctx, cfg, func() error {
//	    return invoke(ctx)
//	}, &retry.Options{ShouldRetry: retry.TransientGRPCCodes().ShouldRetry})
package retry
