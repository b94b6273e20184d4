package expectation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scoreOf(v float64) *float64 {
	return &v
}

func TestExpectation_ScopeAndParent(t *testing.T) {
	tests := []struct {
		name       string
		e          Expectation
		scope      Scope
		wantParent bool
		parent     Key
	}{
		{
			name:       "agent rolls up to its asset",
			e:          Expectation{InjectID: "i", Type: TypeDetection, Name: "n", AgentID: "ag", AssetID: "as", AssetGroupID: "g"},
			scope:      ScopeAgent,
			wantParent: true,
			parent:     Key{InjectID: "i", Type: TypeDetection, Name: "n", AssetID: "as", AssetGroupID: "g"},
		},
		{
			name:       "grouped asset rolls up to its group",
			e:          Expectation{InjectID: "i", Type: TypeDetection, Name: "n", AssetID: "as", AssetGroupID: "g"},
			scope:      ScopeAsset,
			wantParent: true,
			parent:     Key{InjectID: "i", Type: TypeDetection, Name: "n", AssetGroupID: "g"},
		},
		{
			name:  "standalone asset has no parent",
			e:     Expectation{InjectID: "i", AssetID: "as"},
			scope: ScopeAsset,
		},
		{
			name:  "asset group is a root",
			e:     Expectation{InjectID: "i", AssetGroupID: "g"},
			scope: ScopeAssetGroup,
		},
		{
			name:       "user rolls up to team",
			e:          Expectation{InjectID: "i", Type: TypeArticle, TeamID: "t", UserID: "u"},
			scope:      ScopeUser,
			wantParent: true,
			parent:     Key{InjectID: "i", Type: TypeArticle, TeamID: "t"},
		},
		{
			name:  "team is a root",
			e:     Expectation{InjectID: "i", TeamID: "t"},
			scope: ScopeTeam,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.scope, tt.e.Scope())
			parent, ok := tt.e.ParentKey()
			assert.Equal(t, tt.wantParent, ok)
			if tt.wantParent {
				assert.Equal(t, tt.parent, parent)
			}
		})
	}
}

func TestAggregate(t *testing.T) {
	ok := func() *Expectation { return &Expectation{ExpectedScore: 100, Score: scoreOf(100)} }
	ko := func() *Expectation { return &Expectation{ExpectedScore: 100, Score: scoreOf(0)} }
	open := func() *Expectation { return &Expectation{ExpectedScore: 100} }

	tests := []struct {
		name     string
		group    bool
		children []*Expectation
		want     *float64
	}{
		{name: "no children", want: nil},
		{name: "all succeeded", children: []*Expectation{ok(), ok()}, want: scoreOf(100)},
		{name: "one failed", children: []*Expectation{ok(), ko(), open()}, want: scoreOf(0)},
		{name: "still waiting", children: []*Expectation{ok(), open()}, want: nil},
		{name: "group any success", group: true, children: []*Expectation{ko(), ok(), open()}, want: scoreOf(100)},
		{name: "group all failed", group: true, children: []*Expectation{ko(), ko()}, want: scoreOf(0)},
		{name: "group waiting", group: true, children: []*Expectation{ko(), open()}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := aggregate(&Expectation{ExpectedScore: 100, Group: tt.group}, tt.children)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}

func TestExpectation_Merge(t *testing.T) {
	e := &Expectation{Results: []Result{{SourceID: "edr"}}}
	other := &Expectation{
		Description: "desc",
		Results:     []Result{{SourceID: "edr", Result: "dup"}, {SourceID: "siem"}},
		Score:       scoreOf(50),
		Result:      "partial",
	}

	e.Merge(other)
	assert.Equal(t, "desc", e.Description)
	require.Len(t, e.Results, 2)
	assert.Empty(t, e.Results[0].Result, "existing source result is kept")
	require.NotNil(t, e.Score)
	assert.Equal(t, 50.0, *e.Score)

	other.Score = scoreOf(100)
	e.Merge(other)
	assert.Equal(t, 50.0, *e.Score, "a score is never replaced by a merge")
}

func TestExpectation_IsExpired(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := &Expectation{CreatedAt: created, ExpirationTime: time.Hour}

	assert.False(t, e.IsExpired(created.Add(59*time.Minute)))
	assert.True(t, e.IsExpired(created.Add(time.Hour)))
	assert.True(t, e.IsExpired(created.Add(2*time.Hour)))
}

func TestFilter(t *testing.T) {
	declared := []Declared{
		{Type: TypeManual, Name: "m"},
		{Type: TypeDetection, Name: "d"},
		{Type: Type("BOGUS"), Name: "x"},
	}

	got := Filter(declared, TypeManual, Type("BOGUS"))
	require.Len(t, got, 1)
	assert.Equal(t, "m", got[0].Name)
}

func TestResolveNeverRegresses(t *testing.T) {
	tr := NewTracker(nil)
	e := &Expectation{ExpectedScore: 100}

	tr.resolve(e, Source{ID: "edr"}, Input{Success: true, Result: "Detected"})
	require.NotNil(t, e.Score)
	assert.Equal(t, 100.0, *e.Score)

	tr.resolve(e, Source{ID: "expiry"}, Input{Success: false, Result: "Not Detected"})
	assert.Equal(t, 100.0, *e.Score)
	assert.Equal(t, "Detected", e.Result)
	assert.Len(t, e.Results, 2, "late sources are recorded for information")

	tr.resolve(e, Source{ID: "expiry"}, Input{Success: false})
	assert.Len(t, e.Results, 2)
}

func TestComputeScoreClamps(t *testing.T) {
	e := &Expectation{ExpectedScore: 80}
	assert.Equal(t, 80.0, computeScore(e, Input{Success: true}))
	assert.Equal(t, 0.0, computeScore(e, Input{}))
	assert.Equal(t, 80.0, computeScore(e, Input{Score: scoreOf(120)}))
	assert.Equal(t, 0.0, computeScore(e, Input{Score: scoreOf(-3)}))
	assert.Equal(t, 40.0, computeScore(e, Input{Score: scoreOf(40)}))
}
