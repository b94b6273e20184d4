package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/zero-day-ai/injector/expectation"
	"github.com/zero-day-ai/injector/store"
)

// Expectation implements expectation.Store.
func (s *Store) Expectation(_ context.Context, id string) (*expectation.Expectation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.expectations[id]
	if !ok {
		return nil, fmt.Errorf("expectation %s: %w", id, store.ErrNotFound)
	}
	return e.Clone(), nil
}

// FindExpectation implements expectation.Store.
func (s *Store) FindExpectation(_ context.Context, key expectation.Key) (*expectation.Expectation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.expectationIdx[key]
	if !ok {
		return nil, fmt.Errorf("expectation %+v: %w", key, store.ErrNotFound)
	}
	return s.expectations[id].Clone(), nil
}

// InsertExpectation implements expectation.Store.
func (s *Store) InsertExpectation(ctx context.Context, e *expectation.Expectation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimLocked(ctx, expectationRow(e.ID))
	if _, exists := s.expectationIdx[e.Key()]; exists {
		return fmt.Errorf("expectation %+v: %w", e.Key(), store.ErrConflict)
	}
	if _, exists := s.expectations[e.ID]; exists {
		return fmt.Errorf("expectation %s: %w", e.ID, store.ErrConflict)
	}
	s.journalExpectation(ctx, e.ID)
	e.Version = 1
	s.expectations[e.ID] = e.Clone()
	s.expectationIdx[e.Key()] = e.ID
	return nil
}

// UpdateExpectation implements expectation.Store.
func (s *Store) UpdateExpectation(ctx context.Context, e *expectation.Expectation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimLocked(ctx, expectationRow(e.ID))
	if err := s.checkVersionLocked(e); err != nil {
		return err
	}
	s.putExpectationLocked(ctx, e)
	return nil
}

// UpdateExpectations implements expectation.Store. Either every row is
// written or none is.
func (s *Store) UpdateExpectations(ctx context.Context, es []*expectation.Expectation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]string, len(es))
	for i, e := range es {
		rows[i] = expectationRow(e.ID)
	}
	s.claimLocked(ctx, rows...)
	for _, e := range es {
		if err := s.checkVersionLocked(e); err != nil {
			return err
		}
	}
	for _, e := range es {
		s.putExpectationLocked(ctx, e)
	}
	return nil
}

// ExpectationsByInject implements expectation.Store.
func (s *Store) ExpectationsByInject(_ context.Context, injectID string) ([]*expectation.Expectation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*expectation.Expectation
	for _, e := range s.expectations {
		if e.InjectID == injectID {
			out = append(out, e.Clone())
		}
	}
	sortByTime(out, createdAt)
	return out, nil
}

// ExpectationsNotFilled implements expectation.Store. Only rows whose deadline
// has passed are returned, oldest first.
func (s *Store) ExpectationsNotFilled(_ context.Context, now time.Time, limit int) ([]*expectation.Expectation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*expectation.Expectation
	for _, e := range s.expectations {
		if !e.IsFilled() && e.IsExpired(now) {
			out = append(out, e.Clone())
		}
	}
	sortByTime(out, createdAt)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) checkVersionLocked(e *expectation.Expectation) error {
	cur, ok := s.expectations[e.ID]
	if !ok {
		return fmt.Errorf("expectation %s: %w", e.ID, store.ErrNotFound)
	}
	if cur.Version != e.Version {
		return fmt.Errorf("expectation %s at version %d, have %d: %w", e.ID, cur.Version, e.Version, store.ErrConflict)
	}
	return nil
}

func (s *Store) putExpectationLocked(ctx context.Context, e *expectation.Expectation) {
	s.journalExpectation(ctx, e.ID)
	e.Version++
	s.expectations[e.ID] = e.Clone()
}

func createdAt(e *expectation.Expectation) time.Time {
	return e.CreatedAt
}
