package memory

import (
	"context"
	"fmt"

	"github.com/zero-day-ai/injector/store"
	"github.com/zero-day-ai/injector/types"
)

// PutExercise stores a simulation.
func (s *Store) PutExercise(ex types.Exercise) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex.TeamIDs = append([]string(nil), ex.TeamIDs...)
	s.exercises[ex.ID] = ex
}

// PutTeam stores a team with its members and enablement rows.
func (s *Store) PutTeam(t types.Team) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[t.ID] = cloneTeam(t)
}

// PutAsset stores an asset and its agents.
func (s *Store) PutAsset(a types.Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[a.ID] = cloneAsset(a)
}

// PutAssetGroup stores a group whose members are the given asset ids.
func (s *Store) PutAssetGroup(id, name string, assetIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assetGroups[id] = assetGroup{id: id, name: name, assetIDs: append([]string(nil), assetIDs...)}
}

// Exercise implements store.Directory.
func (s *Store) Exercise(_ context.Context, id string) (types.Exercise, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.exercises[id]
	if !ok {
		return types.Exercise{}, fmt.Errorf("exercise %s: %w", id, store.ErrNotFound)
	}
	ex.TeamIDs = append([]string(nil), ex.TeamIDs...)
	return ex, nil
}

// Teams implements store.Directory. Unknown ids are skipped.
func (s *Store) Teams(_ context.Context, ids []string) ([]types.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Team, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.teams[id]; ok {
			out = append(out, cloneTeam(t))
		}
	}
	return out, nil
}

// Assets implements store.Directory. Unknown ids are skipped.
func (s *Store) Assets(_ context.Context, ids []string) ([]types.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Asset, 0, len(ids))
	for _, id := range ids {
		if a, ok := s.assets[id]; ok {
			out = append(out, cloneAsset(a))
		}
	}
	return out, nil
}

// AssetGroups implements store.Directory, materializing current members.
func (s *Store) AssetGroups(_ context.Context, ids []string) ([]types.AssetGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.AssetGroup, 0, len(ids))
	for _, id := range ids {
		g, ok := s.assetGroups[id]
		if !ok {
			continue
		}
		group := types.AssetGroup{ID: g.id, Name: g.name}
		for _, assetID := range g.assetIDs {
			if a, ok := s.assets[assetID]; ok {
				group.Assets = append(group.Assets, cloneAsset(a))
			}
		}
		out = append(out, group)
	}
	return out, nil
}

func cloneTeam(t types.Team) types.Team {
	t.Users = append([]types.User(nil), t.Users...)
	t.ExerciseTeamUsers = append([]types.ExerciseTeamUser(nil), t.ExerciseTeamUsers...)
	return t
}

func cloneAsset(a types.Asset) types.Asset {
	a.IPs = append([]string(nil), a.IPs...)
	a.Agents = append([]types.Agent(nil), a.Agents...)
	return a
}
