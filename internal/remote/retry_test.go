package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/computor-org/computor-fullstack-sub002/internal/logging"
)

func fastRetry() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestRetryConfig_ApplyDefaults(t *testing.T) {
	t.Run("applies all defaults when empty", func(t *testing.T) {
		config := &RetryConfig{}
		config.ApplyDefaults()

		assert.Equal(t, 3, config.MaxRetries)
		assert.Equal(t, time.Second, config.InitialBackoff)
		assert.Equal(t, 30*time.Second, config.MaxBackoff)
		assert.Equal(t, 2.0, config.BackoffMultiplier)
	})

	t.Run("negative disables retries", func(t *testing.T) {
		config := &RetryConfig{MaxRetries: -1}
		config.ApplyDefaults()
		assert.Equal(t, 0, config.MaxRetries)
	})
}

func TestRetry_SuccessAfterTransient(t *testing.T) {
	logger := logging.NewTestLogger()
	calls := 0
	err := Retry(context.Background(), fastRetry(), logger.Logger, "create_group", func(context.Context) error {
		calls++
		if calls < 3 {
			return &RemoteUnavailableError{Op: "create_group", StatusCode: 502, Err: errors.New("bad gateway")}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	logger.AssertLogged(t, zapcore.InfoLevel, "recovered after retries")
}

func TestRetry_NonTransientStopsImmediately(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(), nil, "get_group", func(context.Context) error {
		calls++
		return ErrNotFound
	})

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustedKeepsType(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(), nil, "get_group", func(context.Context) error {
		calls++
		return &RemoteRateLimitedError{Op: "get_group", RetryAfter: time.Hour}
	})

	var rl *RemoteRateLimitedError
	assert.True(t, errors.As(err, &rl))
	assert.Equal(t, 4, calls, "retry-after is capped at MaxBackoff")
}

func TestRetry_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry()
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour

	calls := 0
	err := Retry(ctx, cfg, nil, "push_files", func(context.Context) error {
		calls++
		cancel()
		return &RemoteUnavailableError{Op: "push_files", Err: errors.New("timeout")}
	})

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, calls)
}
