package execution

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/injector/types"
)

func TestFold(t *testing.T) {
	tests := []struct {
		name   string
		traces []Trace
		want   StatusName
	}{
		{
			name: "empty",
			want: StatusDraft,
		},
		{
			name: "complete phase decides over earlier errors",
			traces: []Trace{
				NewSuccessTrace("prereq ok", ActionPrerequisiteCheck),
				NewErrorTrace("exec failed", ActionExecution),
				NewSuccessTrace("done", ActionComplete),
			},
			want: StatusSuccess,
		},
		{
			name: "most severe complete trace wins",
			traces: []Trace{
				NewSuccessTrace("done", ActionComplete),
				NewErrorTrace("broken", ActionComplete),
			},
			want: StatusError,
		},
		{
			name: "no complete trace falls back to every trace",
			traces: []Trace{
				NewInfoTrace("sent", ActionExecution),
				NewWarningTrace("slow", ActionExecution),
			},
			want: StatusSuccess,
		},
		{
			name: "maybe prevented",
			traces: []Trace{
				NewTrace(TraceMaybePrevented, ActionComplete, "blocked?"),
				NewSuccessTrace("ok", ActionComplete),
			},
			want: StatusMaybePrevented,
		},
		{
			name: "one target failed and another succeeded",
			traces: []Trace{
				NewSuccessTrace("Sms sent", ActionComplete, "u1"),
				NewErrorTrace("Sms fail", ActionComplete, "u2"),
			},
			want: StatusPartial,
		},
		{
			name: "every target failed",
			traces: []Trace{
				NewErrorTrace("fail", ActionComplete, "u1"),
				NewAgentTrace("a1", TraceCommandNotFound, ActionComplete, "not found"),
			},
			want: StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Fold(tt.traces))
		})
	}
}

func TestInjectStatus_Finalize(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	inj := types.Inject{ID: "i1", Contract: &types.InjectorContract{InjectorType: "openbas_manual"}}

	t.Run("synchronous run ends", func(t *testing.T) {
		s := NewInjectStatus(inj, false, now)
		assert.Equal(t, StatusExecuting, s.Name)
		assert.Equal(t, "openbas_manual", s.InjectType)

		exec := New()
		exec.AddTrace(NewSuccessTrace("Manual inject execution", ActionComplete))
		s.Finalize(exec, Process{}, now)

		assert.Equal(t, StatusSuccess, s.Name)
		require.NotNil(t, s.EndedAt)
		assert.Len(t, s.Traces, 1)
	})

	t.Run("asynchronous run stays pending", func(t *testing.T) {
		s := NewInjectStatus(inj, true, now)
		exec := New()
		exec.AddTrace(NewInfoTrace("workflow sent", ActionExecution, "wf-1"))
		s.Finalize(exec, Process{Async: true}, now)

		assert.Equal(t, StatusPending, s.Name)
		assert.Nil(t, s.EndedAt)
		assert.True(t, s.Test)
		assert.Equal(t, []string{"wf-1"}, s.Identifiers())
	})

	t.Run("callbacks applied during the run close it", func(t *testing.T) {
		s := NewInjectStatus(inj, false, now)
		s.AddTraces(NewAgentTrace("a1", TraceSuccess, ActionComplete, "done"))
		exec := New()
		exec.AddTrace(NewAgentTrace("a1", TraceInfo, ActionStart, "implant started"))
		s.Finalize(exec, Process{Async: true}, now)

		assert.Equal(t, StatusSuccess, s.Name)
		require.NotNil(t, s.EndedAt)
	})
}

func TestInjectStatus_Refresh(t *testing.T) {
	now := time.Now().UTC()
	s := &InjectStatus{Name: StatusPending}
	s.AddTraces(
		NewAgentTrace("a1", TraceInfo, ActionStart, "launched"),
		NewAgentTrace("a2", TraceInfo, ActionStart, "launched"),
		NewAgentTrace("a1", TraceSuccess, ActionComplete, "done"),
	)
	assert.False(t, s.Refresh(now))
	assert.Equal(t, StatusPending, s.Name)

	s.AddTraces(NewAgentTrace("a2", TraceError, ActionComplete, "failed"))
	assert.True(t, s.Refresh(now))
	assert.Equal(t, StatusPartial, s.Name)
	assert.False(t, s.Refresh(now), "terminal statuses are not refreshed twice")
}

func TestInjectStatus_CloneIsDeep(t *testing.T) {
	now := time.Now()
	s := &InjectStatus{ID: "s1", SentAt: &now}
	s.AddTraces(NewInfoTrace("x", ActionStart, "id-1"))

	c := s.Clone()
	c.Traces[0].Identifiers[0] = "changed"
	c.Name = StatusError

	assert.Equal(t, "id-1", s.Traces[0].Identifiers[0])
	assert.Equal(t, StatusName(""), s.Name)
}

func TestExecution_ConcurrentAppends(t *testing.T) {
	exec := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec.AddTrace(NewInfoTrace("tick", ActionExecution))
		}()
	}
	wg.Wait()

	assert.Len(t, exec.Traces(), 50)
	assert.False(t, exec.HasError())
	exec.AddTrace(NewErrorTrace("boom", ActionComplete))
	assert.True(t, exec.HasError())
}

func TestParseTrace(t *testing.T) {
	s, err := ParseTraceStatus("COMMAND_NOT_FOUND")
	require.NoError(t, err)
	assert.True(t, s.IsError())

	_, err = ParseTraceStatus("NOPE")
	assert.Error(t, err)

	a, err := ParseTraceAction("COMPLETE")
	require.NoError(t, err)
	assert.Equal(t, ActionComplete, a)

	_, err = ParseTraceAction("")
	assert.Error(t, err)
}

func TestExecutableInject_AllAgents(t *testing.T) {
	shared := types.Agent{ID: "a1"}
	ei := &ExecutableInject{
		Assets: []types.Asset{{ID: "as1", Agents: []types.Agent{shared}}},
		AssetGroups: []types.AssetGroup{{ID: "g1", Assets: []types.Asset{
			{ID: "as1", Agents: []types.Agent{shared}},
			{ID: "as2", Agents: []types.Agent{{ID: "a2"}}},
		}}},
	}

	agents := ei.AllAgents()
	require.Len(t, agents, 2)
	assert.Equal(t, "a1", agents[0].Agent.ID)
	assert.Equal(t, "", agents[0].AssetGroupID)
	assert.Equal(t, "g1", agents[1].AssetGroupID)
}
