// Package resilience keeps backend calls from failing the caller on the first
// transient error: deadlines, retry classification, and exponential backoff.
package resilience

import (
	"context"
	"strconv"
	"time"

	"github.com/richinex/rolecall/stream"
)

type outcome[T any] struct {
	val T
	err error
}

// race runs op in its own goroutine and waits for it, the timer, or ctx.
// The op is never cancelled by the timer; a late result lands in the
// buffered channel and is dropped.
func race[T any](ctx context.Context, d time.Duration, op func(context.Context) (T, error)) (outcome[T], bool, error) {
	done := make(chan outcome[T], 1)
	go func() {
		v, err := op(ctx)
		done <- outcome[T]{val: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case r := <-done:
		return r, true, nil
	case <-timer.C:
		return outcome[T]{}, false, nil
	case <-ctx.Done():
		return outcome[T]{}, false, ctx.Err()
	}
}

// WithHardTimeout waits at most d for op. When the deadline passes first it
// stops waiting and fails with a STREAM_PROCESSING_FAILED error; op keeps
// running in the background and whatever it returns is discarded.
func WithHardTimeout[T any](ctx context.Context, d time.Duration, label string, op func(context.Context) (T, error)) (T, error) {
	r, finished, err := race(ctx, d, op)
	if err != nil {
		var zero T
		return zero, err
	}
	if !finished {
		var zero T
		return zero, stream.NewFailure(stream.ProcessingFailed, "%s timed out after %ss", label, formatSeconds(d))
	}
	return r.val, r.err
}

// WithSoftTimeout waits at most d for op and returns def if op is late or
// fails. Use it for best-effort work that must not block the caller, such as
// waiting for final usage counters.
func WithSoftTimeout[T any](ctx context.Context, d time.Duration, def T, op func(context.Context) (T, error)) T {
	r, finished, err := race(ctx, d, op)
	if err != nil || !finished || r.err != nil {
		return def
	}
	return r.val
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
