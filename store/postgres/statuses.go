package postgres

import (
	"context"
	"fmt"

	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/store"
)

// InsertStatus implements store.Statuses. The claim check and the insert run
// under a transaction-scoped advisory lock on the inject, so concurrent
// dispatchers on other nodes see each other's rows.
func (s *Store) InsertStatus(ctx context.Context, st *execution.InjectStatus) error {
	what := "insert status " + st.ID
	st.Version = 1
	doc, err := encode(what, st)
	if err != nil {
		st.Version = 0
		return err
	}
	err = s.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.q(ctx).ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, st.InjectID); err != nil {
			return mapError(what, err)
		}
		res, err := s.q(ctx).ExecContext(ctx, `
			INSERT INTO inject_statuses (id, inject_id, inject_type, name, test, sent_at, updated_at, version, doc)
			SELECT $1::text, $2::text, $3::text, $4::text, $5::boolean, $6::timestamptz, $7::timestamptz, $8::integer, $9::jsonb
			WHERE $5::boolean OR NOT EXISTS (
				SELECT 1 FROM (
					SELECT name FROM inject_statuses
					WHERE inject_id = $2::text AND NOT test
					ORDER BY COALESCE(sent_at, updated_at) DESC
					LIMIT 1
				) latest WHERE latest.name <> $10::text
			)`,
			st.ID, st.InjectID, st.InjectType, string(st.Name), st.Test, nullTime(st.SentAt), st.UpdatedAt,
			st.Version, doc, string(execution.StatusQueuing),
		)
		if err != nil {
			return mapError(what, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		if n == 0 {
			return fmt.Errorf("%s: inject %s already claimed: %w", what, st.InjectID, store.ErrConflict)
		}
		return nil
	})
	if err != nil {
		st.Version = 0
	}
	return err
}

// UpdateStatus implements store.Statuses.
func (s *Store) UpdateStatus(ctx context.Context, st *execution.InjectStatus) error {
	what := "update status " + st.ID
	prior := st.Version
	st.Version++
	doc, err := encode(what, st)
	if err != nil {
		st.Version = prior
		return err
	}
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE inject_statuses SET inject_type = $3, name = $4, sent_at = $5, updated_at = $6, version = $7, doc = $8
		WHERE id = $1 AND version = $2`,
		st.ID, prior, st.InjectType, string(st.Name), nullTime(st.SentAt), st.UpdatedAt, st.Version, doc,
	)
	if err == nil {
		err = s.expectAffected(ctx, res, what, "inject_statuses", st.ID)
	} else {
		err = mapError(what, err)
	}
	if err != nil {
		st.Version = prior
	}
	return err
}

// Status implements store.Statuses.
func (s *Store) Status(ctx context.Context, id string) (*execution.InjectStatus, error) {
	return getDoc[*execution.InjectStatus](ctx, s.q(ctx), "status "+id,
		`SELECT doc FROM inject_statuses WHERE id = $1`, id)
}

const latestStatusQuery = `
	SELECT doc FROM inject_statuses
	WHERE inject_id = $1 AND (NOT test OR $2)
	ORDER BY COALESCE(sent_at, updated_at) DESC
	LIMIT 1`

// LatestStatus implements store.Statuses.
func (s *Store) LatestStatus(ctx context.Context, injectID string) (*execution.InjectStatus, error) {
	return getDoc[*execution.InjectStatus](ctx, s.q(ctx), "status of inject "+injectID,
		latestStatusQuery, injectID, false)
}

// CurrentStatus implements store.Statuses.
func (s *Store) CurrentStatus(ctx context.Context, injectID string) (*execution.InjectStatus, error) {
	return getDoc[*execution.InjectStatus](ctx, s.q(ctx), "status of inject "+injectID,
		latestStatusQuery, injectID, true)
}

// PendingStatuses implements store.Statuses, oldest dispatch first.
func (s *Store) PendingStatuses(ctx context.Context, injectType string) ([]*execution.InjectStatus, error) {
	return queryDocs[*execution.InjectStatus](ctx, s.q(ctx), "pending statuses", `
		SELECT doc FROM inject_statuses
		WHERE name = $1 AND inject_type = $2
		ORDER BY COALESCE(sent_at, updated_at)`,
		string(execution.StatusPending), injectType)
}

// DeleteStatus implements store.Statuses.
func (s *Store) DeleteStatus(ctx context.Context, id string) error {
	what := "delete status " + id
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM inject_statuses WHERE id = $1`, id)
	if err != nil {
		return mapError(what, err)
	}
	return s.expectAffected(ctx, res, what, "inject_statuses", id)
}
