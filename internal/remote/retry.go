package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/computor-org/computor-fullstack-sub002/internal/logging"
)

// RetryConfig configures in-call retries of transient remote failures. Temporal
// retries the surrounding activity on top of this.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	// Default: 3
	MaxRetries int

	// InitialBackoff is the initial backoff duration.
	// Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff, including server-provided Retry-After hints.
	// Default: 30 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	// Default: 2
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ApplyDefaults sets default values for unset fields. A negative MaxRetries
// disables retries.
func (c *RetryConfig) ApplyDefaults() {
	defaults := DefaultRetryConfig()

	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}
}

// Retry runs operation until it succeeds, returns a non-transient error, or
// the retry budget is exhausted. Rate-limit hints replace the computed backoff.
func Retry(ctx context.Context, config *RetryConfig, logger *logging.Logger, op string, operation func(ctx context.Context) error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	cfg := *config
	cfg.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}

	var lastErr error
	backoff := cfg.InitialBackoff
	startTime := time.Now()

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := operation(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info(ctx, "remote operation recovered after retries",
					zap.String("op", op),
					zap.Int("attempts", attempt),
					zap.Duration("total_time", time.Since(startTime)),
				)
			}
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			logger.Debug(ctx, "remote error is not retryable", zap.String("op", op), zap.Error(err))
			return err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		wait := backoff
		var limited *RemoteRateLimitedError
		if errors.As(err, &limited) && limited.RetryAfter > 0 {
			wait = limited.RetryAfter
			if wait > cfg.MaxBackoff {
				wait = cfg.MaxBackoff
			}
		}
		logger.Info(ctx, "retrying remote operation after transient error",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", cfg.MaxRetries+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		case <-timer.C:
		}

		next := time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if next > cfg.MaxBackoff {
			next = cfg.MaxBackoff
		}
		backoff = next
	}

	logger.Warn(ctx, "remote operation failed after all retries exhausted",
		zap.String("op", op),
		zap.Int("total_attempts", cfg.MaxRetries+1),
		zap.Duration("total_time", time.Since(startTime)),
		zap.Error(lastErr),
	)
	// The typed error is kept so callers can still classify it.
	return lastErr
}
