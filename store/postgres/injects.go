package postgres

import (
	"context"
	"time"

	"github.com/lib/pq"

	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/types"
)

// SaveInject implements store.Injects.
func (s *Store) SaveInject(ctx context.Context, inj types.Inject) error {
	what := "save inject " + inj.ID
	doc, err := encode(what, inj)
	if err != nil {
		return err
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO injects (id, exercise_id, atomic_testing, enabled, has_contract, trigger_at, created_at, updated_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			exercise_id = EXCLUDED.exercise_id,
			atomic_testing = EXCLUDED.atomic_testing,
			enabled = EXCLUDED.enabled,
			has_contract = EXCLUDED.has_contract,
			trigger_at = EXCLUDED.trigger_at,
			updated_at = EXCLUDED.updated_at,
			doc = EXCLUDED.doc`,
		inj.ID, nullString(inj.ExerciseID), inj.AtomicTesting, inj.Enabled, inj.Contract != nil,
		nullTime(inj.TriggerAt), inj.CreatedAt, inj.UpdatedAt, doc,
	)
	return mapError(what, err)
}

// Inject implements store.Injects.
func (s *Store) Inject(ctx context.Context, id string) (types.Inject, error) {
	return getDoc[types.Inject](ctx, s.q(ctx), "inject "+id, `SELECT doc FROM injects WHERE id = $1`, id)
}

// Injects implements store.Injects. Unknown ids are skipped; the result
// follows the order of ids.
func (s *Store) Injects(ctx context.Context, ids []string) ([]types.Inject, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := queryDocs[types.Inject](ctx, s.q(ctx), "injects",
		`SELECT doc FROM injects WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	byID := make(map[string]types.Inject, len(found))
	for _, inj := range found {
		byID[inj.ID] = inj
	}
	out := make([]types.Inject, 0, len(found))
	for _, id := range ids {
		if inj, ok := byID[id]; ok {
			out = append(out, inj)
			delete(byID, id)
		}
	}
	return out, nil
}

// TouchInject implements store.Injects. The document's updated_at is kept
// in step with the column.
func (s *Store) TouchInject(ctx context.Context, id string, at time.Time) error {
	what := "touch inject " + id
	stamp, err := encode(what, at)
	if err != nil {
		return err
	}
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE injects SET updated_at = $2, doc = jsonb_set(doc, '{updated_at}', $3::jsonb)
		WHERE id = $1`, id, at, stamp)
	if err != nil {
		return mapError(what, err)
	}
	return s.expectAffected(ctx, res, what, "injects", id)
}

// ExecutableInjects implements store.Injects.
func (s *Store) ExecutableInjects(ctx context.Context) ([]types.Inject, error) {
	return queryDocs[types.Inject](ctx, s.q(ctx), "executable injects", `
		SELECT i.doc FROM injects i
		JOIN exercises e ON e.id = i.exercise_id
		WHERE NOT i.atomic_testing AND i.enabled AND i.has_contract
		  AND e.status = $1 AND e.doc ? 'start'
		  AND NOT EXISTS (
			SELECT 1 FROM inject_statuses s WHERE s.inject_id = i.id AND NOT s.test
		  )
		ORDER BY i.created_at`, string(types.ExerciseRunning))
}

// AtomicTestInjects implements store.Injects.
func (s *Store) AtomicTestInjects(ctx context.Context) ([]types.Inject, error) {
	return queryDocs[types.Inject](ctx, s.q(ctx), "atomic test injects", `
		SELECT i.doc FROM injects i
		LEFT JOIN LATERAL (
			SELECT s.name FROM inject_statuses s
			WHERE s.inject_id = i.id AND NOT s.test
			ORDER BY COALESCE(s.sent_at, s.updated_at) DESC
			LIMIT 1
		) latest ON TRUE
		WHERE i.atomic_testing AND i.trigger_at IS NOT NULL AND i.has_contract
		  AND (latest.name IS NULL OR latest.name = $1)
		ORDER BY i.created_at`, string(execution.StatusQueuing))
}
