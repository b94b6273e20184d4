package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	injector "github.com/zero-day-ai/injector"
	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/executor"
	"github.com/zero-day-ai/injector/scheduler"
	"github.com/zero-day-ai/injector/store/memory"
	"github.com/zero-day-ai/injector/types"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// recordingDispatcher saves a SUCCESS status for every dispatch, the way
// the real dispatcher leaves a status behind.
type recordingDispatcher struct {
	store *memory.Store

	mu    sync.Mutex
	order []string
	fail  map[string]bool
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, ei *execution.ExecutableInject) (*execution.InjectStatus, error) {
	d.mu.Lock()
	d.order = append(d.order, ei.ID())
	d.mu.Unlock()

	if d.fail[ei.ID()] {
		return nil, errors.New("boom")
	}
	st := execution.NewInjectStatus(ei.Inject, ei.Test, base)
	st.Name = execution.StatusSuccess
	if err := d.store.InsertStatus(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (d *recordingDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.order...)
}

func contract() *types.InjectorContract {
	return &types.InjectorContract{ID: "c1", InjectorType: "manual"}
}

func seed(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	start := base.Add(-time.Hour)
	s.PutExercise(types.Exercise{ID: "ex-1", Status: types.ExerciseRunning, Start: &start})
	s.PutExercise(types.Exercise{ID: "ex-paused", Status: types.ExercisePaused, Start: &start})
	return s
}

func put(t *testing.T, s *memory.Store, inj types.Inject) {
	t.Helper()
	if inj.Contract == nil {
		inj.Contract = contract()
	}
	inj.Enabled = true
	require.NoError(t, s.SaveInject(context.Background(), inj))
}

func newSelector(t *testing.T, s *memory.Store) *scheduler.Selector {
	t.Helper()
	sel, err := scheduler.NewSelector(s, scheduler.WithSelectorClock(func() time.Time { return base }))
	require.NoError(t, err)
	return sel
}

func ids(eis []*execution.ExecutableInject) []string {
	out := make([]string, 0, len(eis))
	for _, ei := range eis {
		out = append(out, ei.ID())
	}
	return out
}

func TestSelector_InjectsToRunOrdering(t *testing.T) {
	s := seed(t)
	trigger := base.Add(-time.Minute)

	put(t, s, types.Inject{ID: "b", ExerciseID: "ex-1", DependsDuration: 10 * time.Minute})
	put(t, s, types.Inject{ID: "a", ExerciseID: "ex-1", DependsDuration: 10 * time.Minute})
	put(t, s, types.Inject{ID: "early", ExerciseID: "ex-1", DependsDuration: time.Minute})
	put(t, s, types.Inject{ID: "future", ExerciseID: "ex-1", DependsDuration: 2 * time.Hour})
	put(t, s, types.Inject{ID: "paused", ExerciseID: "ex-paused"})
	put(t, s, types.Inject{ID: "atomic", AtomicTesting: true, TriggerAt: &trigger})

	due, err := newSelector(t, s).InjectsToRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "a", "b", "atomic"}, ids(due))
	assert.True(t, due[0].Scheduled)
	assert.True(t, due[3].Atomic)
}

func TestSelector_Idempotent(t *testing.T) {
	s := seed(t)
	put(t, s, types.Inject{ID: "i1", ExerciseID: "ex-1"})
	put(t, s, types.Inject{ID: "i2", ExerciseID: "ex-1", DependsDuration: time.Minute})

	sel := newSelector(t, s)
	d := &recordingDispatcher{store: s}
	driver := scheduler.NewDriver(sel, d, scheduler.WithConcurrency(2))

	n, err := driver.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	due, err := sel.InjectsToRun(context.Background())
	require.NoError(t, err)
	assert.Empty(t, due, "dispatched injects must not be selected again")

	n, err = driver.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, d.dispatched(), 2)
}

func TestSelector_Dependencies(t *testing.T) {
	s := seed(t)
	put(t, s, types.Inject{ID: "parent", ExerciseID: "ex-1"})
	put(t, s, types.Inject{
		ID: "child", ExerciseID: "ex-1",
		DependsOn: []types.InjectDependency{{ParentID: "parent", Condition: "parent.success"}},
	})
	put(t, s, types.Inject{
		ID: "on-failure", ExerciseID: "ex-1",
		DependsOn: []types.InjectDependency{{ParentID: "parent", Condition: "parent.failed"}},
	})
	sel := newSelector(t, s)

	due, err := sel.InjectsToRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"parent"}, ids(due))

	st := execution.NewInjectStatus(types.Inject{ID: "parent", Contract: contract()}, false, base)
	st.Name = execution.StatusSuccess
	require.NoError(t, s.InsertStatus(context.Background(), st))

	due, err = sel.InjectsToRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"child"}, ids(due))
}

func TestSelector_DependencyDepthOrdersFirst(t *testing.T) {
	s := seed(t)
	put(t, s, types.Inject{ID: "root", ExerciseID: "ex-1", DependsDuration: 30 * time.Minute})
	put(t, s, types.Inject{
		ID: "leaf", ExerciseID: "ex-1",
		DependsOn: []types.InjectDependency{{ParentID: "root"}},
	})
	put(t, s, types.Inject{ID: "other", ExerciseID: "ex-1", DependsDuration: 40 * time.Minute})

	st := execution.NewInjectStatus(types.Inject{ID: "root", Contract: contract()}, false, base)
	st.Name = execution.StatusError
	require.NoError(t, s.InsertStatus(context.Background(), st))

	due, err := newSelector(t, s).InjectsToRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"other", "leaf"}, ids(due))
}

func TestSelector_AssemblyFailureIsolated(t *testing.T) {
	s := seed(t)
	put(t, s, types.Inject{ID: "ok", ExerciseID: "ex-1"})
	// An atomic test pointing at an unknown exercise cannot be assembled.
	trigger := base.Add(-time.Minute)
	put(t, s, types.Inject{ID: "broken", AtomicTesting: true, TriggerAt: &trigger, ExerciseID: "missing"})

	sel := newSelector(t, s)
	due, err := sel.InjectsToRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, ids(due))
	assert.Equal(t, int64(1), sel.Skipped())
}

func TestSelector_PendingWithin(t *testing.T) {
	s := seed(t)
	put(t, s, types.Inject{ID: "now", ExerciseID: "ex-1", DependsDuration: time.Hour})
	put(t, s, types.Inject{ID: "soon", ExerciseID: "ex-1", DependsDuration: time.Hour + 5*time.Minute})
	put(t, s, types.Inject{ID: "later", ExerciseID: "ex-1", DependsDuration: 3 * time.Hour})

	sel := newSelector(t, s)
	pending, err := sel.PendingWithin(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "soon", pending[0].ID)

	_, err = sel.PendingWithin(context.Background(), -1)
	assert.Equal(t, injector.KindValidation, injector.KindOf(err))
}

func TestDriver_FailureIsolated(t *testing.T) {
	s := seed(t)
	put(t, s, types.Inject{ID: "i1", ExerciseID: "ex-1"})
	put(t, s, types.Inject{ID: "i2", ExerciseID: "ex-1"})
	put(t, s, types.Inject{ID: "i3", ExerciseID: "ex-1"})

	d := &recordingDispatcher{store: s, fail: map[string]bool{"i2": true}}
	n, err := scheduler.NewDriver(newSelector(t, s), d).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"i1", "i2", "i3"}, d.dispatched())
}

func TestDriver_SharedStoreDispatchesOnce(t *testing.T) {
	s := seed(t)
	const count = 20
	for i := 0; i < count; i++ {
		put(t, s, types.Inject{ID: fmt.Sprintf("i%02d", i), ExerciseID: "ex-1"})
	}

	var mu sync.Mutex
	runs := make(map[string]int)
	reg := executor.NewRegistry()
	reg.Register("manual", executor.Func(func(_ context.Context, exec *execution.Execution, ei *execution.ExecutableInject) (execution.Process, error) {
		mu.Lock()
		runs[ei.ID()]++
		mu.Unlock()
		time.Sleep(time.Millisecond)
		exec.AddTrace(execution.NewSuccessTrace("sent", execution.ActionComplete))
		return execution.Process{}, nil
	}))
	dispatcher, err := executor.NewDispatcher(reg, s)
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		total atomic.Int64
	)
	drivers := []*scheduler.Driver{
		scheduler.NewDriver(newSelector(t, s), dispatcher),
		scheduler.NewDriver(newSelector(t, s), dispatcher),
	}
	for _, d := range drivers {
		wg.Add(1)
		go func(d *scheduler.Driver) {
			defer wg.Done()
			n, err := d.RunOnce(context.Background())
			assert.NoError(t, err)
			total.Add(int64(n))
		}(d)
	}
	wg.Wait()

	assert.Equal(t, int64(count), total.Load())
	require.Len(t, runs, count)
	for id, n := range runs {
		assert.Equal(t, 1, n, id)
	}
}

func TestConditions(t *testing.T) {
	c, err := scheduler.NewConditions()
	require.NoError(t, err)

	success := &execution.InjectStatus{Name: execution.StatusSuccess}
	partial := &execution.InjectStatus{Name: execution.StatusPartial}
	running := &execution.InjectStatus{Name: execution.StatusExecuting}

	tests := []struct {
		name   string
		expr   string
		parent *execution.InjectStatus
		want   bool
	}{
		{"empty waits for terminal", "", success, true},
		{"not terminal", "parent.success", running, false},
		{"no parent", "", nil, false},
		{"success", "parent.success", success, true},
		{"status compare", `parent.status == "PARTIAL"`, partial, true},
		{"negation", "!parent.failed", partial, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Satisfied(tt.expr, tt.parent)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = c.Satisfied("parent.", success)
	assert.Error(t, err)

	_, err = c.Satisfied(`parent.status`, success)
	assert.Error(t, err, "non-boolean result")
}

func TestTestRunner(t *testing.T) {
	s := seed(t)
	put(t, s, types.Inject{ID: "i1", ExerciseID: "ex-1"})
	put(t, s, types.Inject{ID: "i2", ExerciseID: "ex-1"})

	d := &recordingDispatcher{store: s}
	runner := scheduler.NewTestRunner(s, d, nil)
	ctx := context.Background()

	st, err := runner.Test(ctx, "i1")
	require.NoError(t, err)
	assert.True(t, st.Test)

	// A test run does not count as the scheduled run.
	due, err := newSelector(t, s).InjectsToRun(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"i1", "i2"}, ids(due))

	statuses, err := runner.BulkTest(ctx, []string{"i1", "i2", "unknown"})
	require.NoError(t, err)
	assert.Len(t, statuses, 2)

	require.NoError(t, runner.DeleteTest(ctx, st.ID))
	_, err = s.Status(ctx, st.ID)
	assert.ErrorIs(t, err, injector.ErrNotFound)

	scheduled := execution.NewInjectStatus(types.Inject{ID: "i2", Contract: contract()}, false, base)
	require.NoError(t, s.InsertStatus(ctx, scheduled))
	err = runner.DeleteTest(ctx, scheduled.ID)
	assert.ErrorIs(t, err, injector.ErrNotTestRun)
}

type flag struct{ v atomic.Bool }

func (f *flag) IsLeader() bool { return f.v.Load() }

func TestRunEvery_SkipsWhenNotLeader(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	leader := &flag{}
	var calls atomic.Int32
	scheduler.RunEvery(ctx, "test", 5*time.Millisecond, leader, nil, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	assert.Zero(t, calls.Load())

	leader.v.Store(true)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	scheduler.RunEvery(ctx2, "test", 5*time.Millisecond, leader, nil, func(context.Context) error {
		calls.Add(1)
		return errors.New("logged and ignored")
	})
	assert.Positive(t, calls.Load())
}
