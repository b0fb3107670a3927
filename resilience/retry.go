package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Attempt identifies one backend invocation for logging.
type Attempt struct {
	Number    int // 1-based
	Role      string
	BackendID string
	ModelID   string
}

// AttemptResult is reported after every invocation, successful or not.
type AttemptResult struct {
	Attempt
	Err      error
	Duration time.Duration
	Retrying bool
}

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is doubled for every retry: BaseDelay, 2*BaseDelay, ...
	BaseDelay time.Duration
	// Classify decides whether an error is retried. Defaults to IsRetryable.
	Classify func(error) bool
	// Sleep waits between attempts. Defaults to a ctx-aware timer.
	Sleep func(context.Context, time.Duration) error
	// OnAttempt observes every attempt. It must not block.
	OnAttempt func(context.Context, AttemptResult)
	Logger    *zap.Logger
}

// DefaultRetryConfig retries twice, waiting 1s then 2s.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Second,
	}
}

// Delay returns the wait before retry n (0-based).
func (c *RetryConfig) Delay(n int) time.Duration {
	return c.BaseDelay * time.Duration(1<<n)
}

// Retry calls fn until it succeeds, fails with a non-retryable error, or has
// been invoked MaxRetries+1 times. The error returned is fn's own, unwrapped.
func Retry[T any](ctx context.Context, config *RetryConfig, info Attempt, fn func(context.Context) (T, error)) (T, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}
	classify := config.Classify
	if classify == nil {
		classify = IsRetryable
	}
	sleep := config.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	for attempt := 0; ; attempt++ {
		info.Number = attempt + 1
		fields := []zap.Field{
			zap.Int("attempt", info.Number),
			zap.String("role", info.Role),
			zap.String("backend", info.BackendID),
			zap.String("model", info.ModelID),
		}
		logger.Debug("invoking backend", fields...)

		start := time.Now()
		val, err := fn(ctx)
		result := AttemptResult{Attempt: info, Err: err, Duration: time.Since(start)}

		if err == nil {
			logger.Info("backend call succeeded", fields...)
			if config.OnAttempt != nil {
				config.OnAttempt(ctx, result)
			}
			return val, nil
		}

		result.Retrying = classify(err) && attempt < config.MaxRetries
		if config.OnAttempt != nil {
			config.OnAttempt(ctx, result)
		}
		if !result.Retrying {
			logger.Warn("backend call failed", append(fields, zap.Error(err))...)
			return val, err
		}

		delay := config.Delay(attempt)
		logger.Info("retryable backend error, backing off",
			append(fields, zap.Error(err), zap.Duration("delay", delay))...)
		if serr := sleep(ctx, delay); serr != nil {
			return val, serr
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
