package execution

import (
	"context"
	"errors"
	"time"

	injector "github.com/zero-day-ai/injector"
)

// StatusWriter persists statuses under optimistic versioning. UpdateStatus
// returns injector.ErrConflict when the stored version differs from the
// status being written.
type StatusWriter interface {
	Status(ctx context.Context, id string) (*InjectStatus, error)
	UpdateStatus(ctx context.Context, s *InjectStatus) error
}

const (
	updateAttempts    = 8
	updateBaseBackoff = 5 * time.Millisecond
	updateMaxBackoff  = 200 * time.Millisecond
)

// Update applies mutate to st and writes it. When another writer got there
// first, the status is re-read and mutate applied again to the fresh copy,
// so mutate must only add to what it finds. The written status is returned.
func Update(ctx context.Context, w StatusWriter, st *InjectStatus, mutate func(*InjectStatus)) (*InjectStatus, error) {
	current := st
	var lastErr error
	for attempt := 0; attempt < updateAttempts; attempt++ {
		if attempt > 0 {
			if err := backoff(ctx, attempt); err != nil {
				return nil, err
			}
			fresh, err := w.Status(ctx, st.ID)
			if err != nil {
				return nil, err
			}
			current = fresh
		}

		mutate(current)
		err := w.UpdateStatus(ctx, current)
		if err == nil {
			return current, nil
		}
		if !errors.Is(err, injector.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, injector.NewConflictError("execution.Update", lastErr).WithContext(map[string]any{
		"status_id": st.ID,
		"inject_id": st.InjectID,
	})
}

func backoff(ctx context.Context, attempt int) error {
	d := updateBaseBackoff << (attempt - 1)
	if d > updateMaxBackoff || d <= 0 {
		d = updateMaxBackoff
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
