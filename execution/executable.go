package execution

import "github.com/zero-day-ai/injector/types"

// ExecutionContext is one resolved user of an inject, together with the names
// of the teams through which the user was reached.
type ExecutionContext struct {
	User       types.User `json:"user"`
	TeamNames  []string   `json:"team_names"`
	InjectID   string     `json:"inject_id"`
	ExerciseID string     `json:"exercise_id,omitempty"`
}

// Vars exposes the context to message templates.
func (c ExecutionContext) Vars() map[string]any {
	return map[string]any{
		"user": map[string]any{
			"id":           c.User.ID,
			"email":        c.User.Email,
			"firstname":    c.User.Firstname,
			"lastname":     c.User.Lastname,
			"phone":        c.User.Phone,
			"organization": c.User.Organization,
		},
		"teams":       c.TeamNames,
		"inject_id":   c.InjectID,
		"exercise_id": c.ExerciseID,
	}
}

// ExecutableInject is an inject with its targets resolved, ready for an
// executor. Users are deduplicated; a user on several teams appears once.
type ExecutableInject struct {
	Inject   types.Inject    `json:"inject"`
	Exercise *types.Exercise `json:"exercise,omitempty"`

	// Scheduled is true for injects picked by the due-selector; false for
	// on-demand test runs.
	Scheduled bool `json:"scheduled"`
	Atomic    bool `json:"atomic"`
	Test      bool `json:"test"`

	Teams       []types.Team       `json:"teams,omitempty"`
	Users       []ExecutionContext `json:"users,omitempty"`
	Assets      []types.Asset      `json:"assets,omitempty"`
	AssetGroups []types.AssetGroup `json:"asset_groups,omitempty"`
}

// ID returns the inject identifier.
func (e *ExecutableInject) ID() string {
	return e.Inject.ID
}

// InjectorType returns the injector type the inject is dispatched to.
func (e *ExecutableInject) InjectorType() string {
	return e.Inject.InjectorType()
}

// AllAgents returns every agent reachable through the inject's assets and
// asset groups, each agent once, paired with its asset.
func (e *ExecutableInject) AllAgents() []AgentTarget {
	seen := make(map[string]bool)
	var out []AgentTarget
	add := func(asset types.Asset, group string) {
		for _, ag := range asset.Agents {
			if seen[ag.ID] {
				continue
			}
			seen[ag.ID] = true
			out = append(out, AgentTarget{Agent: ag, Asset: asset, AssetGroupID: group})
		}
	}
	for _, a := range e.Assets {
		add(a, "")
	}
	for _, g := range e.AssetGroups {
		for _, a := range g.Assets {
			add(a, g.ID)
		}
	}
	return out
}

// AgentTarget is an agent with the asset it runs on.
type AgentTarget struct {
	Agent        types.Agent
	Asset        types.Asset
	AssetGroupID string
}
