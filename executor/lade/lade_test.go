package lade_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/executor/lade"
	"github.com/zero-day-ai/injector/expectation"
	"github.com/zero-day-ai/injector/remote"
	"github.com/zero-day-ai/injector/store/memory"
	"github.com/zero-day-ai/injector/types"
)

type fakeWorkflows struct {
	id  string
	err error
}

func (f fakeWorkflows) StartWorkflow(context.Context, string, string, map[string]any) (string, error) {
	return f.id, f.err
}

func ladeInject() *execution.ExecutableInject {
	return &execution.ExecutableInject{
		Inject: types.Inject{
			ID:       "inj-1",
			Contract: &types.InjectorContract{ID: "lade-1", InjectorType: lade.Type},
			Content: json.RawMessage(`{"bundle":"b","workflow":"w","expectations":[
				{"expectation_type":"MANUAL","expectation_name":"Check"}]}`),
		},
		Teams: []types.Team{{ID: "t1", Name: "SOC"}},
	}
}

func TestProcess_StartsAsyncWorkflow(t *testing.T) {
	s := memory.New()
	x := lade.New(fakeWorkflows{id: "wf-9"}, expectation.NewTracker(s), nil)

	exec := execution.New()
	proc, err := x.Process(context.Background(), exec, ladeInject())
	require.NoError(t, err)
	assert.True(t, proc.Async)

	traces := exec.Traces()
	require.Len(t, traces, 1)
	assert.Equal(t, execution.TraceInfo, traces[0].Status)
	assert.Equal(t, []string{"wf-9"}, traces[0].Identifiers)

	st := &execution.InjectStatus{Name: execution.StatusExecuting}
	st.Finalize(exec, proc, time.Now())
	assert.Equal(t, execution.StatusPending, st.Name)
	assert.Equal(t, "wf-9", st.Handle())

	rows, err := s.ExpectationsByInject(context.Background(), "inj-1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestProcess_StartFailure(t *testing.T) {
	s := memory.New()
	x := lade.New(fakeWorkflows{err: errors.New("lade down")}, expectation.NewTracker(s), nil)

	exec := execution.New()
	proc, err := x.Process(context.Background(), exec, ladeInject())
	require.NoError(t, err)
	assert.False(t, proc.Async)
	require.Len(t, exec.Traces(), 1)
	assert.Equal(t, execution.TraceError, exec.Traces()[0].Status)

	rows, err := s.ExpectationsByInject(context.Background(), "inj-1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestClient_WorkflowLifecycle(t *testing.T) {
	var (
		auths  atomic.Int32
		status atomic.Value
	)
	status.Store("running")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/token/auth":
			auths.Add(1)
			_, _ = w.Write([]byte(`{"token":"tok"}`))
		case "/api/bundles/b/workflows/w/run":
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			var body map[string]map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "10.0.0.1", body["arguments"]["target"])
			_, _ = w.Write([]byte(`{"workflow_id":"wf-1"}`))
		case "/api/workflows/wf-1":
			_, _ = w.Write([]byte(`{"status":"` + status.Load().(string) + `","stop_time":"2026-01-02T03:04:05Z",
				"logs":[{"level":"info","message":"step 1"},{"level":"ERROR","message":"step 2 failed"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := lade.NewClient(lade.Config{URL: srv.URL, Username: "u", Password: "p"},
		remote.NewClient(remote.Options{Backend: "lade", BaseURL: srv.URL, Attempts: 1}))
	ctx := context.Background()

	id, err := c.StartWorkflow(ctx, "b", "w", map[string]any{"target": "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "wf-1", id)

	state, err := c.Poll(ctx, id)
	require.NoError(t, err)
	assert.False(t, state.Done)
	require.Len(t, state.Traces, 2)
	assert.Equal(t, execution.TraceError, state.Traces[1].Status)

	status.Store("failure")
	state, err = c.Poll(ctx, id)
	require.NoError(t, err)
	assert.True(t, state.Done)
	assert.True(t, state.Failed)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), state.StopTime.UTC())
	require.Len(t, state.Traces, 3)
	assert.Equal(t, execution.ActionComplete, state.Traces[2].Action)

	status.Store("exploded")
	_, err = c.Poll(ctx, id)
	var rerr *remote.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, remote.ErrCodeMalformedResponse, rerr.Code)

	assert.Equal(t, int32(1), auths.Load())
}
