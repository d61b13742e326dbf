package resilience

import (
	"context"
	"time"

	"github.com/saiset-co/sai-rpccache/types"
)

type outcome[T any] struct {
	value T
	err   error
}

// WithTimeout races op against timeout and ctx. The losing op keeps running in
// its goroutine; its result is discarded. A non-positive timeout disables the race.
func WithTimeout[T any](ctx context.Context, op Operation[T], timeout time.Duration, message string) (T, error) {
	var zero T

	if op == nil {
		return zero, types.ErrOperationIsNil
	}

	if timeout <= 0 {
		res := callSafely(op)
		return res.value, res.err
	}

	result := make(chan outcome[T], 1)

	go func() {
		result <- callSafely(op)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-result:
		return res.value, res.err
	case <-timer.C:
		return zero, types.NewTimeoutError(message, timeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// callSafely runs op and turns a panic into ErrOperationPanicked.
func callSafely[T any](op Operation[T]) (res outcome[T]) {
	defer func() {
		if r := recover(); r != nil {
			res = outcome[T]{err: types.Errorf(types.ErrOperationPanicked, "%v", r)}
		}
	}()

	value, err := op()
	return outcome[T]{value: value, err: err}
}
