package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zero-day-ai/injector/execution"
)

// Outcome is what one target produced.
type Outcome struct {
	Traces []execution.Trace

	// Effective is true when the action reached the target.
	Effective bool
}

// FanOut runs fn for every target with at most concurrency calls in flight
// (unbounded when concurrency < 1). Traces are appended to exec as targets
// finish. An error or panic for one target becomes an ERROR trace scoped to
// that target's id and never affects the others. FanOut returns true if at
// least one target reported an effective outcome.
func FanOut[T any](ctx context.Context, exec *execution.Execution, targets []T, id func(T) string, concurrency int, fn func(ctx context.Context, t T) (Outcome, error)) bool {
	if concurrency < 1 || concurrency > len(targets) {
		concurrency = len(targets)
	}

	var (
		effective atomic.Bool
		wg        sync.WaitGroup
		sem       = make(chan struct{}, max(concurrency, 1))
	)
	for _, t := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(t T) {
			defer wg.Done()
			defer func() { <-sem }()

			out, err := runTarget(ctx, t, fn)
			if err != nil {
				exec.AddTrace(execution.NewErrorTrace(err.Error(), execution.ActionComplete, id(t)))
				return
			}
			exec.AddTraces(out.Traces...)
			if out.Effective {
				effective.Store(true)
			}
		}(t)
	}
	wg.Wait()
	return effective.Load()
}

func runTarget[T any](ctx context.Context, t T, fn func(ctx context.Context, t T) (Outcome, error)) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("target execution panicked: %v", r)
		}
	}()
	return fn(ctx, t)
}
