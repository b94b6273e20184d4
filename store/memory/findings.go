package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/zero-day-ai/injector/finding"
	"github.com/zero-day-ai/injector/store"
)

// FindFinding implements finding.Store.
func (s *Store) FindFinding(_ context.Context, key finding.Key) (*finding.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.findingIdx[key]
	if !ok {
		return nil, fmt.Errorf("finding %+v: %w", key, store.ErrNotFound)
	}
	return s.findings[id].Clone(), nil
}

// InsertFinding implements finding.Store.
func (s *Store) InsertFinding(ctx context.Context, f *finding.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimLocked(ctx, findingRow(f.ID))
	if _, exists := s.findingIdx[f.Key()]; exists {
		return fmt.Errorf("finding %+v: %w", f.Key(), store.ErrConflict)
	}
	s.journalFinding(ctx, f.ID)
	f.Version = 1
	s.findings[f.ID] = f.Clone()
	s.findingIdx[f.Key()] = f.ID
	return nil
}

// UpdateFinding implements finding.Store.
func (s *Store) UpdateFinding(ctx context.Context, f *finding.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimLocked(ctx, findingRow(f.ID))
	cur, ok := s.findings[f.ID]
	if !ok {
		return fmt.Errorf("finding %s: %w", f.ID, store.ErrNotFound)
	}
	if cur.Version != f.Version {
		return fmt.Errorf("finding %s at version %d, have %d: %w", f.ID, cur.Version, f.Version, store.ErrConflict)
	}
	s.journalFinding(ctx, f.ID)
	f.Version++
	s.findings[f.ID] = f.Clone()
	return nil
}

// FindingsByInject implements finding.Store.
func (s *Store) FindingsByInject(_ context.Context, injectID string) ([]*finding.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*finding.Finding
	for _, f := range s.findings {
		if f.InjectID == injectID {
			out = append(out, f.Clone())
		}
	}
	sortByTime(out, func(f *finding.Finding) time.Time { return f.CreatedAt })
	return out, nil
}
