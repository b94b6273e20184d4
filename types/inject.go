package types

import (
	"encoding/json"
	"time"
)

// Injection is anything the target resolver knows how to resolve. Only Inject
// implements it today; the interface keeps the resolver's dispatch explicit so
// an unknown variant fails loudly instead of resolving to nobody.
type Injection interface {
	InjectionID() string
}

// InjectDependency makes an inject wait for a parent inject. Condition is a
// CEL expression evaluated against the parent's outcome; an empty condition
// only waits for the parent to reach a terminal status.
type InjectDependency struct {
	ParentID  string `json:"parent_id"`
	Condition string `json:"condition,omitempty"`
}

// Inject is one scheduled action inside a simulation, or a standalone atomic
// test when AtomicTesting is set.
type Inject struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`

	// ExerciseID is empty for atomic tests.
	ExerciseID    string `json:"exercise_id,omitempty"`
	AtomicTesting bool   `json:"atomic_testing"`

	// DependsDuration offsets the inject from the simulation start.
	DependsDuration time.Duration `json:"depends_duration"`

	// TriggerAt is when an atomic test was requested to run.
	TriggerAt *time.Time `json:"trigger_at,omitempty"`

	AllTeams      bool     `json:"all_teams"`
	TeamIDs       []string `json:"team_ids,omitempty"`
	AssetIDs      []string `json:"asset_ids,omitempty"`
	AssetGroupIDs []string `json:"asset_group_ids,omitempty"`

	DependsOn []InjectDependency `json:"depends_on,omitempty"`

	Contract *InjectorContract `json:"contract,omitempty"`

	// Content is the executor-specific payload, validated against
	// Contract.ParameterSchema before dispatch.
	Content json.RawMessage `json:"content,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InjectionID implements Injection.
func (i Inject) InjectionID() string {
	return i.ID
}

// InjectorType returns the contract's injector type, or "" without a contract.
func (i Inject) InjectorType() string {
	if i.Contract == nil {
		return ""
	}
	return i.Contract.InjectorType
}

// ExecutionTime returns when the inject is due. Scheduled injects are due at
// the simulation start plus their offset; atomic tests when triggered. The
// boolean is false when no date can be computed yet.
func (i Inject) ExecutionTime(exercise *Exercise) (time.Time, bool) {
	if i.AtomicTesting {
		if i.TriggerAt == nil {
			return time.Time{}, false
		}
		return *i.TriggerAt, true
	}
	if exercise == nil || exercise.Start == nil {
		return time.Time{}, false
	}
	return exercise.Start.Add(i.DependsDuration), true
}

// Clone returns a deep copy of the inject.
func (i Inject) Clone() Inject {
	c := i
	c.TeamIDs = append([]string(nil), i.TeamIDs...)
	c.AssetIDs = append([]string(nil), i.AssetIDs...)
	c.AssetGroupIDs = append([]string(nil), i.AssetGroupIDs...)
	c.DependsOn = append([]InjectDependency(nil), i.DependsOn...)
	c.Content = append(json.RawMessage(nil), i.Content...)
	if i.TriggerAt != nil {
		t := *i.TriggerAt
		c.TriggerAt = &t
	}
	if i.Contract != nil {
		contract := i.Contract.Clone()
		c.Contract = &contract
	}
	return c
}
