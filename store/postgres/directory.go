package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/zero-day-ai/injector/types"
)

// PutExercise upserts a simulation.
func (s *Store) PutExercise(ctx context.Context, ex types.Exercise) error {
	what := "put exercise " + ex.ID
	doc, err := encode(what, ex)
	if err != nil {
		return err
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO exercises (id, status, doc) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, doc = EXCLUDED.doc`,
		ex.ID, string(ex.Status), doc)
	return mapError(what, err)
}

// PutTeam upserts a team with its members.
func (s *Store) PutTeam(ctx context.Context, t types.Team) error {
	return s.putDoc(ctx, "teams", t.ID, t)
}

// PutAsset upserts an asset and its agents.
func (s *Store) PutAsset(ctx context.Context, a types.Asset) error {
	return s.putDoc(ctx, "assets", a.ID, a)
}

// PutAssetGroup upserts a group whose members are the given asset ids.
func (s *Store) PutAssetGroup(ctx context.Context, id, name string, assetIDs ...string) error {
	if assetIDs == nil {
		assetIDs = []string{}
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO asset_groups (id, name, asset_ids) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, asset_ids = EXCLUDED.asset_ids`,
		id, name, pq.Array(assetIDs))
	return mapError("put asset group "+id, err)
}

func (s *Store) putDoc(ctx context.Context, table, id string, v any) error {
	what := fmt.Sprintf("put %s %s", table, id)
	doc, err := encode(what, v)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, table)
	_, err = s.q(ctx).ExecContext(ctx, query, id, doc)
	return mapError(what, err)
}

// Exercise implements store.Directory.
func (s *Store) Exercise(ctx context.Context, id string) (types.Exercise, error) {
	return getDoc[types.Exercise](ctx, s.q(ctx), "exercise "+id, `SELECT doc FROM exercises WHERE id = $1`, id)
}

// Teams implements store.Directory. Unknown ids are skipped.
func (s *Store) Teams(ctx context.Context, ids []string) ([]types.Team, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return queryDocs[types.Team](ctx, s.q(ctx), "teams",
		`SELECT doc FROM teams WHERE id = ANY($1) ORDER BY array_position($1, id)`, pq.Array(ids))
}

// Assets implements store.Directory. Unknown ids are skipped.
func (s *Store) Assets(ctx context.Context, ids []string) ([]types.Asset, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return queryDocs[types.Asset](ctx, s.q(ctx), "assets",
		`SELECT doc FROM assets WHERE id = ANY($1) ORDER BY array_position($1, id)`, pq.Array(ids))
}

// AssetGroups implements store.Directory, materializing current members.
func (s *Store) AssetGroups(ctx context.Context, ids []string) ([]types.AssetGroup, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, name, asset_ids FROM asset_groups
		WHERE id = ANY($1) ORDER BY array_position($1, id)`, pq.Array(ids))
	if err != nil {
		return nil, mapError("asset groups", err)
	}
	type row struct {
		group    types.AssetGroup
		assetIDs []string
	}
	var groups []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.group.ID, &r.group.Name, pq.Array(&r.assetIDs)); err != nil {
			rows.Close()
			return nil, fmt.Errorf("asset groups: failed to scan: %w", err)
		}
		groups = append(groups, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("asset groups: error iterating rows: %w", err)
	}

	out := make([]types.AssetGroup, 0, len(groups))
	for _, r := range groups {
		members, err := s.Assets(ctx, r.assetIDs)
		if err != nil {
			return nil, err
		}
		r.group.Assets = members
		out = append(out, r.group)
	}
	return out, nil
}
