package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	injector "github.com/zero-day-ai/injector"
	"github.com/zero-day-ai/injector/execution"
)

// Dispatcher runs one executable inject and returns its recorded status.
type Dispatcher interface {
	Dispatch(ctx context.Context, ei *execution.ExecutableInject) (*execution.InjectStatus, error)
}

// Driver runs the due sweep: select, then dispatch through a bounded pool.
type Driver struct {
	selector    *Selector
	dispatcher  Dispatcher
	logger      *slog.Logger
	concurrency int
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithDriverLogger sets the logger.
func WithDriverLogger(logger *slog.Logger) DriverOption {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithConcurrency bounds the number of simultaneous dispatches. Values
// below one fall back to the default of 4.
func WithConcurrency(n int) DriverOption {
	return func(d *Driver) {
		d.concurrency = n
	}
}

// NewDriver creates a Driver.
func NewDriver(selector *Selector, dispatcher Dispatcher, opts ...DriverOption) *Driver {
	d := &Driver{
		selector:   selector,
		dispatcher: dispatcher,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.concurrency <= 0 {
		d.concurrency = 4
	}
	return d
}

// RunOnce performs one sweep and returns how many injects were dispatched
// without error. A failing dispatch is logged and does not stop the others.
// Injects another dispatcher claimed first are skipped.
func (d *Driver) RunOnce(ctx context.Context) (int, error) {
	due, err := d.selector.InjectsToRun(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to select due injects: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	d.logger.Info("dispatching due injects", "count", len(due))

	jobs := make(chan *execution.ExecutableInject)
	var dispatched atomic.Int64
	var wg sync.WaitGroup

	workers := d.concurrency
	if workers > len(due) {
		workers = len(due)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerNum int) {
			defer wg.Done()
			logger := d.logger.With("worker_num", workerNum)
			for ei := range jobs {
				st, err := d.dispatcher.Dispatch(ctx, ei)
				if errors.Is(err, injector.ErrConflict) {
					logger.Info("inject claimed by another dispatcher, skipped", "inject_id", ei.ID())
					continue
				}
				if err != nil {
					logger.Error("inject dispatch failed",
						"inject_id", ei.ID(),
						"error", err,
					)
					continue
				}
				dispatched.Add(1)
				logger.Debug("inject dispatched",
					"inject_id", ei.ID(),
					"status", st.Name,
				)
			}
		}(i)
	}

	for _, ei := range due {
		jobs <- ei
	}
	close(jobs)
	wg.Wait()

	return int(dispatched.Load()), nil
}
