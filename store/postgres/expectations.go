package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/zero-day-ai/injector/expectation"
)

// Expectation implements expectation.Store.
func (s *Store) Expectation(ctx context.Context, id string) (*expectation.Expectation, error) {
	return getDoc[*expectation.Expectation](ctx, s.q(ctx), "expectation "+id,
		`SELECT doc FROM expectations WHERE id = $1`, id)
}

// FindExpectation implements expectation.Store.
func (s *Store) FindExpectation(ctx context.Context, key expectation.Key) (*expectation.Expectation, error) {
	return getDoc[*expectation.Expectation](ctx, s.q(ctx), fmt.Sprintf("expectation %+v", key), `
		SELECT doc FROM expectations
		WHERE inject_id = $1 AND type = $2 AND name = $3 AND agent_id = $4 AND asset_id = $5
		  AND asset_group_id = $6 AND team_id = $7 AND user_id = $8`,
		key.InjectID, string(key.Type), key.Name, key.AgentID, key.AssetID,
		key.AssetGroupID, key.TeamID, key.UserID)
}

// InsertExpectation implements expectation.Store. A row with the same key
// already present is store.ErrConflict.
func (s *Store) InsertExpectation(ctx context.Context, e *expectation.Expectation) error {
	what := "insert expectation " + e.ID
	e.Version = 1
	doc, err := encode(what, e)
	if err != nil {
		return err
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO expectations (id, inject_id, type, name, agent_id, asset_id, asset_group_id,
			team_id, user_id, filled, expires_at, version, created_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.InjectID, string(e.Type), e.Name, e.AgentID, e.AssetID, e.AssetGroupID,
		e.TeamID, e.UserID, e.IsFilled(), e.Deadline(), e.Version, e.CreatedAt, doc,
	)
	if err != nil {
		e.Version = 0
		return mapError(what, err)
	}
	return nil
}

// UpdateExpectation implements expectation.Store.
func (s *Store) UpdateExpectation(ctx context.Context, e *expectation.Expectation) error {
	return s.updateExpectation(ctx, e)
}

// UpdateExpectations implements expectation.Store. Either every row is
// written or none is.
func (s *Store) UpdateExpectations(ctx context.Context, es []*expectation.Expectation) error {
	versions := make([]int, len(es))
	for i, e := range es {
		versions[i] = e.Version
	}
	err := s.InTx(ctx, func(ctx context.Context) error {
		for _, e := range es {
			if err := s.updateExpectation(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		for i, e := range es {
			e.Version = versions[i]
		}
	}
	return err
}

func (s *Store) updateExpectation(ctx context.Context, e *expectation.Expectation) error {
	what := "update expectation " + e.ID
	prior := e.Version
	e.Version++
	doc, err := encode(what, e)
	if err != nil {
		e.Version = prior
		return err
	}
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE expectations SET filled = $3, expires_at = $4, version = $5, doc = $6
		WHERE id = $1 AND version = $2`,
		e.ID, prior, e.IsFilled(), e.Deadline(), e.Version, doc,
	)
	if err == nil {
		err = s.expectAffected(ctx, res, what, "expectations", e.ID)
	} else {
		err = mapError(what, err)
	}
	if err != nil {
		e.Version = prior
	}
	return err
}

// ExpectationsByInject implements expectation.Store.
func (s *Store) ExpectationsByInject(ctx context.Context, injectID string) ([]*expectation.Expectation, error) {
	return queryDocs[*expectation.Expectation](ctx, s.q(ctx), "expectations of inject "+injectID,
		`SELECT doc FROM expectations WHERE inject_id = $1 ORDER BY created_at`, injectID)
}

// ExpectationsNotFilled implements expectation.Store. Only rows whose deadline
// has passed are returned, oldest first.
func (s *Store) ExpectationsNotFilled(ctx context.Context, now time.Time, limit int) ([]*expectation.Expectation, error) {
	query := `SELECT doc FROM expectations WHERE NOT filled AND expires_at <= $1 ORDER BY created_at`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return queryDocs[*expectation.Expectation](ctx, s.q(ctx), "unfilled expectations", query, args...)
}
