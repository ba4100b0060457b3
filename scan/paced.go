package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

type callResult[T any] struct {
	value T
	err   error
}

// paced runs call and waits for both its result and a minimum duration,
// whichever comes last. If ctx ends first the result is abandoned; the call
// itself keeps running until it returns on its own.
func paced[T any](ctx context.Context, clk clock.Clock, minimum time.Duration, call func(context.Context) (T, error)) (T, error) {
	results := make(chan callResult[T], 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				results <- callResult[T]{err: fmt.Errorf("%w: %v", ErrPanic, p)}
			}
		}()
		v, err := call(ctx)
		results <- callResult[T]{value: v, err: err}
	}()

	var elapsed <-chan time.Time
	if minimum > 0 {
		timer := clk.Timer(minimum)
		defer timer.Stop()
		elapsed = timer.C
	}

	var res callResult[T]
	var pending <-chan callResult[T] = results
	for pending != nil || elapsed != nil {
		select {
		case res = <-pending:
			pending = nil
		case <-elapsed:
			elapsed = nil
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
	return res.value, res.err
}

// sleep waits d on clk. It reports false if ctx ended first.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := clk.Timer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return ctx.Err() == nil
	case <-ctx.Done():
		return false
	}
}
