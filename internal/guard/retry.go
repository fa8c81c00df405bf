package guard

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braind/internal/docstore"
)

// RetryConfig configures the transient-failure retry loop.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialDelay is the backoff before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// Multiplier is the backoff growth factor.
	Multiplier float64
}

// DefaultRetryConfig returns the defaults used when a field is zero.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// retryer runs a function with exponential backoff and jitter. Only
// transient errors are retried; every other category returns immediately.
type retryer struct {
	config RetryConfig
	logger *zap.Logger
	// sleep is indirected for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func newRetryer(config RetryConfig, logger *zap.Logger) *retryer {
	defaults := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.Multiplier < 1.0 {
		config.Multiplier = defaults.Multiplier
	}
	return &retryer{
		config: config,
		logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// do runs fn, retrying transient failures with backoff.
func (r *retryer) do(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.delay(attempt)
			r.logger.Debug("retrying store operation",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			retriesTotal.WithLabelValues(op).Inc()
			if err := r.sleep(ctx, delay); err != nil {
				return fmt.Errorf("retry canceled: %w", err)
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if docstore.Classify(lastErr) != docstore.CategoryTransient {
			return lastErr
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", r.config.MaxAttempts, lastErr)
}

// delay computes the backoff for the given attempt with ±25% jitter.
func (r *retryer) delay(attempt int) time.Duration {
	backoff := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-2))
	if backoff > float64(r.config.MaxDelay) {
		backoff = float64(r.config.MaxDelay)
	}
	jitter := backoff * 0.25
	backoff += (rand.Float64()*2 - 1) * jitter
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}
