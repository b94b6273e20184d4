package callback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zero-day-ai/injector/execution"
)

// Poller reads the state of a remote workflow from its async handle.
type Poller interface {
	Poll(ctx context.Context, handle string) (execution.WorkflowState, error)
}

// ListenerStore is the persistence used by a WorkflowListener.
type ListenerStore interface {
	PendingStatuses(ctx context.Context, injectType string) ([]*execution.InjectStatus, error)
	execution.StatusWriter
	TouchInject(ctx context.Context, id string, at time.Time) error
}

// ListenerOption configures a WorkflowListener.
type ListenerOption func(*WorkflowListener)

// WithListenerLogger sets the logger.
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(l *WorkflowListener) {
		l.logger = logger
	}
}

// WithListenerClock replaces time.Now.
func WithListenerClock(now func() time.Time) ListenerOption {
	return func(l *WorkflowListener) {
		l.now = now
	}
}

// WithListenerMetrics sets the metrics sink.
func WithListenerMetrics(m *Metrics) ListenerOption {
	return func(l *WorkflowListener) {
		l.metrics = m
	}
}

// WorkflowListener follows the PENDING statuses of one injector type whose
// backend runs workflows without calling back.
type WorkflowListener struct {
	injectType string
	poller     Poller
	store      ListenerStore
	logger     *slog.Logger
	now        func() time.Time
	metrics    *Metrics
}

// NewWorkflowListener creates a listener for injectType.
func NewWorkflowListener(injectType string, poller Poller, store ListenerStore, opts ...ListenerOption) *WorkflowListener {
	l := &WorkflowListener{
		injectType: injectType,
		poller:     poller,
		store:      store,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = NewMetrics(nil)
	}
	l.logger = l.logger.With("injector_type", injectType)
	return l
}

// Poll checks every pending workflow once. Each status gets the latest
// trace snapshot; finished workflows close their status. A failed poll is
// logged and the status stays pending. Poll returns how many statuses were
// closed.
func (l *WorkflowListener) Poll(ctx context.Context) (int, error) {
	pending, err := l.store.PendingStatuses(ctx, l.injectType)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending statuses: %w", err)
	}

	closed := 0
	for _, st := range pending {
		if ctx.Err() != nil {
			return closed, ctx.Err()
		}
		handle := st.Handle()
		state, err := l.poller.Poll(ctx, handle)
		if err != nil {
			l.metrics.PollErrors.Inc()
			l.logger.Error("workflow poll failed",
				"inject_id", st.InjectID,
				"status_id", st.ID,
				"handle", handle,
				"error", err,
			)
			continue
		}

		now := l.now()
		done := false
		saved, err := execution.Update(ctx, l.store, st, func(cur *execution.InjectStatus) {
			done = cur.Name == execution.StatusPending && cur.ApplyWorkflow(state, now)
		})
		if err != nil {
			l.logger.Error("failed to save polled status", "inject_id", st.InjectID, "error", err)
			continue
		}
		st = saved
		if err := l.store.TouchInject(ctx, st.InjectID, now); err != nil {
			l.logger.Warn("failed to touch inject", "inject_id", st.InjectID, "error", err)
		}
		if done {
			closed++
			l.logger.Info("workflow finished", "inject_id", st.InjectID, "status", st.Name)
		}
	}
	return closed, nil
}
