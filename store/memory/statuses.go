package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/store"
)

// InsertStatus implements store.Statuses.
func (s *Store) InsertStatus(ctx context.Context, st *execution.InjectStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimLocked(ctx, statusRow(st.ID))
	if _, exists := s.statuses[st.ID]; exists {
		return fmt.Errorf("status %s: %w", st.ID, store.ErrConflict)
	}
	if !st.Test {
		if cur := s.latestLocked(st.InjectID, false); cur != nil && cur.Name != execution.StatusQueuing {
			return fmt.Errorf("inject %s already has status %s: %w", st.InjectID, cur.ID, store.ErrConflict)
		}
	}
	s.journalStatus(ctx, st.ID)
	st.Version = 1
	s.statuses[st.ID] = st.Clone()
	return nil
}

// UpdateStatus implements store.Statuses.
func (s *Store) UpdateStatus(ctx context.Context, st *execution.InjectStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimLocked(ctx, statusRow(st.ID))
	cur, ok := s.statuses[st.ID]
	if !ok {
		return fmt.Errorf("status %s: %w", st.ID, store.ErrNotFound)
	}
	if cur.Version != st.Version {
		return fmt.Errorf("status %s at version %d, have %d: %w", st.ID, cur.Version, st.Version, store.ErrConflict)
	}
	s.journalStatus(ctx, st.ID)
	st.Version++
	s.statuses[st.ID] = st.Clone()
	return nil
}

// Status implements store.Statuses.
func (s *Store) Status(_ context.Context, id string) (*execution.InjectStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[id]
	if !ok {
		return nil, fmt.Errorf("status %s: %w", id, store.ErrNotFound)
	}
	return st.Clone(), nil
}

// LatestStatus implements store.Statuses.
func (s *Store) LatestStatus(_ context.Context, injectID string) (*execution.InjectStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.latestLocked(injectID, false)
	if st == nil {
		return nil, fmt.Errorf("status of inject %s: %w", injectID, store.ErrNotFound)
	}
	return st.Clone(), nil
}

// CurrentStatus implements store.Statuses.
func (s *Store) CurrentStatus(_ context.Context, injectID string) (*execution.InjectStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.latestLocked(injectID, true)
	if st == nil {
		return nil, fmt.Errorf("status of inject %s: %w", injectID, store.ErrNotFound)
	}
	return st.Clone(), nil
}

// PendingStatuses implements store.Statuses.
func (s *Store) PendingStatuses(_ context.Context, injectType string) ([]*execution.InjectStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*execution.InjectStatus
	for _, st := range s.statuses {
		if st.Name == execution.StatusPending && st.InjectType == injectType {
			out = append(out, st.Clone())
		}
	}
	sortByTime(out, sentAt)
	return out, nil
}

// DeleteStatus implements store.Statuses.
func (s *Store) DeleteStatus(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimLocked(ctx, statusRow(id))
	if _, ok := s.statuses[id]; !ok {
		return fmt.Errorf("status %s: %w", id, store.ErrNotFound)
	}
	s.journalStatus(ctx, id)
	delete(s.statuses, id)
	return nil
}

// latestLocked returns the most recently sent status of an inject. Callers
// hold s.mu.
func (s *Store) latestLocked(injectID string, includeTests bool) *execution.InjectStatus {
	var latest *execution.InjectStatus
	for _, st := range s.statuses {
		if st.InjectID != injectID || (st.Test && !includeTests) {
			continue
		}
		if latest == nil || sentAt(st).After(sentAt(latest)) {
			latest = st
		}
	}
	return latest
}

func sentAt(st *execution.InjectStatus) time.Time {
	if st.SentAt == nil {
		return st.UpdatedAt
	}
	return *st.SentAt
}
