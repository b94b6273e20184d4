package expectation

import (
	"time"
)

// Type is the kind of evidence an expectation waits for.
type Type string

const (
	TypeDetection     Type = "DETECTION"
	TypePrevention    Type = "PREVENTION"
	TypeVulnerability Type = "VULNERABILITY"
	TypeManual        Type = "MANUAL"
	TypeArticle       Type = "ARTICLE"
	TypeChallenge     Type = "CHALLENGE"
	TypeDocument      Type = "DOCUMENT"
	TypeText          Type = "TEXT"
)

// IsValid returns true if the type is a recognized value.
func (t Type) IsValid() bool {
	return t.IsTechnical() || t.IsHuman()
}

// IsTechnical returns true for types resolved by security tooling.
func (t Type) IsTechnical() bool {
	switch t {
	case TypeDetection, TypePrevention, TypeVulnerability:
		return true
	default:
		return false
	}
}

// IsHuman returns true for types resolved by people.
func (t Type) IsHuman() bool {
	switch t {
	case TypeManual, TypeArticle, TypeChallenge, TypeDocument, TypeText:
		return true
	default:
		return false
	}
}

// perPlayer returns true for human types that are also tracked per user.
func (t Type) perPlayer() bool {
	return t == TypeArticle || t == TypeChallenge
}

// FailedMessage is the result recorded when an expectation expires.
func FailedMessage(t Type) string {
	switch t {
	case TypeDetection:
		return "Not Detected"
	case TypePrevention:
		return "Not Prevented"
	case TypeVulnerability:
		return "Not Vulnerable"
	case TypeManual:
		return "Not Validated"
	case TypeArticle:
		return "Not Read"
	case TypeChallenge:
		return "Not Solved"
	default:
		return "Failed"
	}
}

// ResultExpired marks a collector sub-result that never reported.
const ResultExpired = "Expired without evidence"

// Scope is the kind of target an expectation is bound to.
type Scope string

const (
	ScopeAgent      Scope = "agent"
	ScopeAsset      Scope = "asset"
	ScopeAssetGroup Scope = "asset_group"
	ScopeUser       Scope = "user"
	ScopeTeam       Scope = "team"
	ScopeNone       Scope = ""
)

// Key identifies the unique live row for an (inject, target, type, name).
type Key struct {
	InjectID     string
	Type         Type
	Name         string
	AgentID      string
	AssetID      string
	AssetGroupID string
	TeamID       string
	UserID       string
}

// Source identifies a collector or resolver contributing a result.
type Source struct {
	ID   string `json:"source_id"`
	Type string `json:"source_type"`
	Name string `json:"source_name"`
}

// Result is one source's verdict on an expectation.
type Result struct {
	SourceID   string    `json:"source_id"`
	SourceType string    `json:"source_type"`
	SourceName string    `json:"source_name"`
	Result     string    `json:"result"`
	Score      *float64  `json:"score,omitempty"`
	Date       time.Time `json:"date"`
}

// Expectation is a scored expectation bound to exactly one target scope.
// Agent rows also carry their asset (and group), and user rows their team,
// so that scores propagate to the parent rows.
type Expectation struct {
	ID          string `json:"id"`
	InjectID    string `json:"inject_id"`
	ExerciseID  string `json:"exercise_id,omitempty"`
	Type        Type   `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	AgentID      string `json:"agent_id,omitempty"`
	AssetID      string `json:"asset_id,omitempty"`
	AssetGroupID string `json:"asset_group_id,omitempty"`
	TeamID       string `json:"team_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`

	ExpectedScore float64 `json:"expected_score"`

	// Score is nil until the expectation is resolved. Once set it never
	// changes.
	Score   *float64 `json:"score,omitempty"`
	Result  string   `json:"result,omitempty"`
	Results []Result `json:"results,omitempty"`

	// Group makes a parent row succeed when any child succeeds rather than
	// when all of them do.
	Group bool `json:"group"`

	ExpirationTime time.Duration `json:"expiration_time"`

	// Version is the optimistic concurrency token checked on update.
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the uniqueness key of the expectation.
func (e *Expectation) Key() Key {
	return Key{
		InjectID:     e.InjectID,
		Type:         e.Type,
		Name:         e.Name,
		AgentID:      e.AgentID,
		AssetID:      e.AssetID,
		AssetGroupID: e.AssetGroupID,
		TeamID:       e.TeamID,
		UserID:       e.UserID,
	}
}

// Scope returns the most specific target the expectation is bound to.
func (e *Expectation) Scope() Scope {
	switch {
	case e.AgentID != "":
		return ScopeAgent
	case e.AssetID != "":
		return ScopeAsset
	case e.AssetGroupID != "":
		return ScopeAssetGroup
	case e.UserID != "":
		return ScopeUser
	case e.TeamID != "":
		return ScopeTeam
	default:
		return ScopeNone
	}
}

// ParentKey returns the key of the row this expectation rolls up into.
func (e *Expectation) ParentKey() (Key, bool) {
	k := e.Key()
	switch e.Scope() {
	case ScopeAgent:
		k.AgentID = ""
		return k, true
	case ScopeAsset:
		if e.AssetGroupID == "" {
			return Key{}, false
		}
		k.AssetID = ""
		return k, true
	case ScopeUser:
		k.UserID = ""
		return k, true
	default:
		return Key{}, false
	}
}

// Deadline returns when the expectation expires.
func (e *Expectation) Deadline() time.Time {
	return e.CreatedAt.Add(e.ExpirationTime)
}

// IsExpired reports whether the deadline is at or before now.
func (e *Expectation) IsExpired(now time.Time) bool {
	return !e.Deadline().After(now)
}

// IsFilled reports whether the expectation carries a score.
func (e *Expectation) IsFilled() bool {
	return e.Score != nil
}

// IsSuccess reports whether the expectation resolved to its expected score.
func (e *Expectation) IsSuccess() bool {
	return e.Score != nil && *e.Score >= e.ExpectedScore
}

// Merge folds another contribution for the same key into e. Scores are only
// adopted when e has none.
func (e *Expectation) Merge(other *Expectation) {
	if e.Description == "" {
		e.Description = other.Description
	}
	if e.ExerciseID == "" {
		e.ExerciseID = other.ExerciseID
	}
	for _, r := range other.Results {
		if e.resultIndex(r.SourceID) < 0 {
			e.Results = append(e.Results, r)
		}
	}
	if e.Score == nil && other.Score != nil {
		s := *other.Score
		e.Score = &s
		e.Result = other.Result
	}
}

func (e *Expectation) resultIndex(sourceID string) int {
	for i, r := range e.Results {
		if r.SourceID == sourceID {
			return i
		}
	}
	return -1
}

// expireEmptyResults marks sub-results that never reported as failed.
func (e *Expectation) expireEmptyResults() {
	for i := range e.Results {
		if e.Results[i].Result == "" {
			zero := 0.0
			e.Results[i].Result = ResultExpired
			e.Results[i].Score = &zero
		}
	}
}

// Clone returns a deep copy of the expectation.
func (e *Expectation) Clone() *Expectation {
	c := *e
	if e.Score != nil {
		s := *e.Score
		c.Score = &s
	}
	c.Results = make([]Result, len(e.Results))
	for i, r := range e.Results {
		if r.Score != nil {
			s := *r.Score
			r.Score = &s
		}
		c.Results[i] = r
	}
	return &c
}

// Declared is an expectation as written in inject content, before scoping.
type Declared struct {
	Type              Type    `json:"expectation_type"`
	Name              string  `json:"expectation_name"`
	Description       string  `json:"expectation_description,omitempty"`
	Score             float64 `json:"expectation_score"`
	Group             bool    `json:"expectation_expectation_group"`
	ExpirationSeconds int64   `json:"expectation_expiration_time,omitempty"`
}

// Filter keeps the declared expectations whose type is in allowed. Unknown
// types are always dropped.
func Filter(declared []Declared, allowed ...Type) []Declared {
	ok := make(map[Type]bool, len(allowed))
	for _, t := range allowed {
		ok[t] = true
	}
	out := make([]Declared, 0, len(declared))
	for _, d := range declared {
		if d.Type.IsValid() && ok[d.Type] {
			out = append(out, d)
		}
	}
	return out
}
