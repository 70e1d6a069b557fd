package providers

import (
	"context"
	"time"
)

type result[T any] struct {
	val T
	err error
}

// Call runs fn under a timeout race. When the timer wins, Call returns a
// timeout *Error immediately; fn keeps running in its goroutine and its late
// result lands in a buffered channel nobody reads. fn's context is cancelled
// on return so cooperative implementations can stop early.
func Call[T any](ctx context.Context, stage string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, NewError(KindTimeout, stage, err)
	}
	callCtx, cancel := context.WithCancel(ctx)

	done := make(chan result[T], 1)
	go func() {
		v, err := fn(callCtx)
		done <- result[T]{val: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		cancel()
		return r.val, r.err
	case <-timer.C:
		cancel()
		return zero, Errorf(KindTimeout, stage, "no response within %s", timeout)
	case <-ctx.Done():
		cancel()
		return zero, NewError(KindTimeout, stage, ctx.Err())
	}
}
