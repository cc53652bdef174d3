// Package resilience provides fault tolerance patterns
package resilience

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Retry configuration constants
const (
	DefaultMaxAttempts  = 3
	DefaultBaseDelay    = 500 * time.Millisecond
	DefaultMaxDelay     = 10 * time.Second
	DefaultJitterFactor = 0.2 // 20% jitter

	// Suggestion generation: fixed spacing between attempts
	SuggestionMaxAttempts = 3
	SuggestionDelay       = 5 * time.Second

	// Batch transcription polling tolerates longer outages
	BatchMaxAttempts = 5
	BatchBaseDelay   = 1 * time.Second
	BatchMaxDelay    = 30 * time.Second
)

// RetryConfig holds retry settings.
type RetryConfig struct {
	MaxAttempts  int // total attempts including the first
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	// Fixed waits exactly BaseDelay between attempts, without backoff or jitter.
	Fixed       bool
	IsRetryable func(error) bool
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// SuggestionRetryConfig returns the fixed-delay policy used for suggestion generation.
func SuggestionRetryConfig(attempts int, delay time.Duration) RetryConfig {
	return RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   delay,
		Fixed:       true,
		IsRetryable: func(error) bool { return true },
	}
}

// BatchRetryConfig returns settings for the batch transcription HTTP calls.
func BatchRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  BatchMaxAttempts,
		BaseDelay:    BatchBaseDelay,
		MaxDelay:     BatchMaxDelay,
		JitterFactor: DefaultJitterFactor,
		IsRetryable:  IsRetryableStatus,
	}
}

// transient lists the status codes worth another attempt.
var transient = map[codes.Code]bool{
	codes.Unavailable:       true,
	codes.DeadlineExceeded:  true,
	codes.ResourceExhausted: true,
	codes.Aborted:           true,
	codes.Internal:          true,
}

// IsRetryableStatus classifies err by its status code. AppErrors resolve through
// GRPCStatus; errors without any status are assumed transient.
func IsRetryableStatus(err error) bool {
	if err == nil {
		return false
	}
	if s, ok := status.FromError(err); ok {
		return transient[s.Code()]
	}
	return true
}

// Retry calls fn until it succeeds, fails with an error cfg will not retry, or runs
// out of attempts. The last error is returned. A context that ends while waiting
// returns ctx.Err().
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil || attempt >= cfg.MaxAttempts || !cfg.IsRetryable(err) {
			return err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		delay := backoffDelay(cfg, attempt-1)
		slog.Debug("retrying", "attempt", attempt, "of", cfg.MaxAttempts, "delay", delay, "error", err)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoffDelay is the wait after the given zero-based failed attempt: BaseDelay
// doubled per attempt up to MaxDelay, spread by JitterFactor.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	if cfg.Fixed {
		return cfg.BaseDelay
	}
	delay := min(cfg.BaseDelay<<min(attempt, 6), cfg.MaxDelay)
	spread := cfg.JitterFactor * (rand.Float64() - 0.5)
	return delay + time.Duration(float64(delay)*spread)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = DefaultJitterFactor
	}
	if c.IsRetryable == nil {
		c.IsRetryable = IsRetryableStatus
	}
	return c
}
