package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	injector "github.com/zero-day-ai/injector"
)

// versionedWriter keeps one status and checks versions like the stores do.
// beforeWrite runs once, ahead of the first write, to simulate a rival.
type versionedWriter struct {
	mu          sync.Mutex
	stored      *InjectStatus
	beforeWrite func(*InjectStatus)
	writes      int
	fail        error
}

func (w *versionedWriter) Status(_ context.Context, id string) (*InjectStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stored == nil || w.stored.ID != id {
		return nil, injector.ErrNotFound
	}
	return w.stored.Clone(), nil
}

func (w *versionedWriter) UpdateStatus(_ context.Context, s *InjectStatus) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	if w.fail != nil {
		return w.fail
	}
	if hook := w.beforeWrite; hook != nil {
		w.beforeWrite = nil
		hook(w.stored)
	}
	if w.stored.Version != s.Version {
		return fmt.Errorf("status %s: %w", s.ID, injector.ErrConflict)
	}
	s.Version++
	w.stored = s.Clone()
	return nil
}

func TestUpdate_ReappliesOnConflict(t *testing.T) {
	st := &InjectStatus{ID: "st-1", InjectID: "i1", Name: StatusPending, Version: 1}
	w := &versionedWriter{
		stored: st.Clone(),
		beforeWrite: func(stored *InjectStatus) {
			stored.AddTraces(NewAgentTrace("a1", TraceSuccess, ActionComplete, "rival"))
			stored.Version++
		},
	}

	saved, err := Update(context.Background(), w, st, func(cur *InjectStatus) {
		cur.AddTraces(NewAgentTrace("a2", TraceSuccess, ActionComplete, "mine"))
	})
	require.NoError(t, err)
	assert.Equal(t, 2, w.writes)
	assert.Equal(t, 3, saved.Version)
	require.Len(t, saved.Traces, 2)
	assert.Equal(t, "rival", saved.Traces[0].Message)
	assert.Equal(t, "mine", saved.Traces[1].Message)
}

func TestUpdate_GivesUpAfterRepeatedConflicts(t *testing.T) {
	st := &InjectStatus{ID: "st-1", Version: 1}
	w := &versionedWriter{stored: st.Clone(), fail: injector.ErrConflict}

	_, err := Update(context.Background(), w, st, func(*InjectStatus) {})
	assert.ErrorIs(t, err, injector.ErrConflict)
	assert.Equal(t, injector.KindConflict, injector.KindOf(err))
	assert.Equal(t, updateAttempts, w.writes)
}

func TestUpdate_OtherErrorsStop(t *testing.T) {
	st := &InjectStatus{ID: "st-1", Version: 1}
	boom := errors.New("connection refused")
	w := &versionedWriter{stored: st.Clone(), fail: boom}

	_, err := Update(context.Background(), w, st, func(*InjectStatus) {})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, w.writes)
}
