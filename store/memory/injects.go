package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/store"
	"github.com/zero-day-ai/injector/types"
)

// SaveInject implements store.Injects.
func (s *Store) SaveInject(_ context.Context, inj types.Inject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injects[inj.ID] = inj.Clone()
	return nil
}

// Inject implements store.Injects.
func (s *Store) Inject(_ context.Context, id string) (types.Inject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inj, ok := s.injects[id]
	if !ok {
		return types.Inject{}, fmt.Errorf("inject %s: %w", id, store.ErrNotFound)
	}
	return inj.Clone(), nil
}

// Injects implements store.Injects. Unknown ids are skipped.
func (s *Store) Injects(_ context.Context, ids []string) ([]types.Inject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Inject, 0, len(ids))
	for _, id := range ids {
		if inj, ok := s.injects[id]; ok {
			out = append(out, inj.Clone())
		}
	}
	return out, nil
}

// TouchInject implements store.Injects.
func (s *Store) TouchInject(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inj, ok := s.injects[id]
	if !ok {
		return fmt.Errorf("inject %s: %w", id, store.ErrNotFound)
	}
	inj.UpdatedAt = at
	s.injects[id] = inj
	return nil
}

// ExecutableInjects implements store.Injects.
func (s *Store) ExecutableInjects(_ context.Context) ([]types.Inject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Inject
	for _, inj := range s.injects {
		if inj.AtomicTesting || !inj.Enabled || inj.Contract == nil {
			continue
		}
		ex, ok := s.exercises[inj.ExerciseID]
		if !ok || !ex.IsRunning() {
			continue
		}
		if s.latestLocked(inj.ID, false) != nil {
			continue
		}
		out = append(out, inj.Clone())
	}
	sortByTime(out, func(i types.Inject) time.Time { return i.CreatedAt })
	return out, nil
}

// AtomicTestInjects implements store.Injects.
func (s *Store) AtomicTestInjects(_ context.Context) ([]types.Inject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Inject
	for _, inj := range s.injects {
		if !inj.AtomicTesting || inj.TriggerAt == nil || inj.Contract == nil {
			continue
		}
		if st := s.latestLocked(inj.ID, false); st != nil && st.Name != execution.StatusQueuing {
			continue
		}
		out = append(out, inj.Clone())
	}
	sortByTime(out, func(i types.Inject) time.Time { return i.CreatedAt })
	return out, nil
}
