package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	injector "github.com/zero-day-ai/injector"
	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/target"
	"github.com/zero-day-ai/injector/types"
)

// TestStore is the persistence used by on-demand test runs.
type TestStore interface {
	target.Directory

	Inject(ctx context.Context, id string) (types.Inject, error)
	Injects(ctx context.Context, ids []string) ([]types.Inject, error)
	Status(ctx context.Context, id string) (*execution.InjectStatus, error)
	DeleteStatus(ctx context.Context, id string) error
}

// TestRunner dispatches injects immediately in test mode. Test runs record
// their own status and leave the simulation's status untouched.
type TestRunner struct {
	store      TestStore
	assembler  *target.Assembler
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewTestRunner creates a TestRunner.
func NewTestRunner(st TestStore, dispatcher Dispatcher, logger *slog.Logger) *TestRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &TestRunner{
		store:      st,
		assembler:  target.NewAssembler(st),
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Test runs one inject now.
func (r *TestRunner) Test(ctx context.Context, injectID string) (*execution.InjectStatus, error) {
	inj, err := r.store.Inject(ctx, injectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load inject %s: %w", injectID, err)
	}
	return r.run(ctx, inj)
}

// BulkTest runs every listed inject. Unknown ids are ignored; a failing
// inject does not stop the others and its error is joined into the result.
func (r *TestRunner) BulkTest(ctx context.Context, injectIDs []string) ([]*execution.InjectStatus, error) {
	injects, err := r.store.Injects(ctx, injectIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load injects: %w", err)
	}

	var (
		out  []*execution.InjectStatus
		errs []error
	)
	for _, inj := range injects {
		st, err := r.run(ctx, inj)
		if err != nil {
			r.logger.Warn("test run failed", "inject_id", inj.ID, "error", err)
			errs = append(errs, fmt.Errorf("inject %s: %w", inj.ID, err))
		}
		if st != nil {
			out = append(out, st)
		}
	}
	return out, errors.Join(errs...)
}

// DeleteTest removes the status of a test run. Statuses of scheduled runs
// cannot be deleted this way.
func (r *TestRunner) DeleteTest(ctx context.Context, statusID string) error {
	st, err := r.store.Status(ctx, statusID)
	if err != nil {
		return fmt.Errorf("failed to load status %s: %w", statusID, err)
	}
	if !st.Test {
		return injector.NewValidationError("TestRunner.DeleteTest", injector.ErrNotTestRun).
			WithContext(map[string]any{"status_id": statusID})
	}
	return r.store.DeleteStatus(ctx, statusID)
}

func (r *TestRunner) run(ctx context.Context, inj types.Inject) (*execution.InjectStatus, error) {
	ei, err := r.assembler.Assemble(ctx, inj, target.ModeTest)
	if err != nil {
		return nil, err
	}
	return r.dispatcher.Dispatch(ctx, ei)
}
