package postgres

import (
	"context"
	"fmt"

	"github.com/zero-day-ai/injector/finding"
)

// FindFinding implements finding.Store.
func (s *Store) FindFinding(ctx context.Context, key finding.Key) (*finding.Finding, error) {
	return getDoc[*finding.Finding](ctx, s.q(ctx), fmt.Sprintf("finding %+v", key), `
		SELECT doc FROM findings WHERE inject_id = $1 AND value = $2 AND type = $3 AND field = $4`,
		key.InjectID, key.Value, string(key.Type), key.Field)
}

// InsertFinding implements finding.Store. A concurrent insert of the same
// key loses with store.ErrConflict and is merged by the caller.
func (s *Store) InsertFinding(ctx context.Context, f *finding.Finding) error {
	what := "insert finding " + f.ID
	f.Version = 1
	doc, err := encode(what, f)
	if err != nil {
		return err
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO findings (id, inject_id, field, type, value, version, created_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.InjectID, f.Field, string(f.Type), f.Value, f.Version, f.CreatedAt, doc,
	)
	if err != nil {
		f.Version = 0
		return mapError(what, err)
	}
	return nil
}

// UpdateFinding implements finding.Store.
func (s *Store) UpdateFinding(ctx context.Context, f *finding.Finding) error {
	what := "update finding " + f.ID
	prior := f.Version
	f.Version++
	doc, err := encode(what, f)
	if err != nil {
		f.Version = prior
		return err
	}
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE findings SET version = $3, doc = $4 WHERE id = $1 AND version = $2`,
		f.ID, prior, f.Version, doc)
	if err == nil {
		err = s.expectAffected(ctx, res, what, "findings", f.ID)
	} else {
		err = mapError(what, err)
	}
	if err != nil {
		f.Version = prior
	}
	return err
}

// FindingsByInject implements finding.Store.
func (s *Store) FindingsByInject(ctx context.Context, injectID string) ([]*finding.Finding, error) {
	return queryDocs[*finding.Finding](ctx, s.q(ctx), "findings of inject "+injectID,
		`SELECT doc FROM findings WHERE inject_id = $1 ORDER BY created_at`, injectID)
}
