package resilience

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-rpccache/logger"
)

const DefaultConcurrency = 3

type BatchOptions struct {
	CallOptions
	Concurrency int
}

// BatchWithResilience runs ops on a fixed pool of workers, each op through
// ResilientCall. Failed ops are logged and left out; the successful values come
// back in completion order.
func BatchWithResilience[T any](ctx context.Context, ops []Operation[T], opts BatchOptions) []T {
	if len(ops) == 0 {
		return []T{}
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if concurrency > len(ops) {
		concurrency = len(ops)
	}

	log := logger.OrNop(opts.Logger)

	jobs := make(chan int, len(ops))
	for i := range ops {
		jobs <- i
	}
	close(jobs)

	var (
		mu      sync.Mutex
		results = make([]T, 0, len(ops))
	)

	var g errgroup.Group
	for worker := 0; worker < concurrency; worker++ {
		g.Go(func() error {
			for index := range jobs {
				value, err := ResilientCall(ctx, ops[index], opts.CallOptions)
				if err != nil {
					log.Warn("Batch operation failed",
						zap.String("operation", opts.Name),
						zap.Int("index", index),
						zap.Error(err))
					continue
				}

				mu.Lock()
				results = append(results, value)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}
