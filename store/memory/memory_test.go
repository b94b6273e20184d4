package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/expectation"
	"github.com/zero-day-ai/injector/finding"
	"github.com/zero-day-ai/injector/store"
	"github.com/zero-day-ai/injector/types"
)

func newExpectation(id string) *expectation.Expectation {
	return &expectation.Expectation{
		ID:             id,
		InjectID:       "inj-1",
		Type:           expectation.TypeDetection,
		Name:           "detect",
		AssetID:        "asset-1",
		ExpectedScore:  100,
		ExpirationTime: time.Hour,
		CreatedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestExpectations_Uniqueness(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.InsertExpectation(ctx, newExpectation("e1")))

	err := s.InsertExpectation(ctx, newExpectation("e2"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrConflict))

	got, err := s.FindExpectation(ctx, newExpectation("").Key())
	require.NoError(t, err)
	assert.Equal(t, "e1", got.ID)
	assert.Equal(t, 1, got.Version)

	_, err = s.FindExpectation(ctx, expectation.Key{InjectID: "nope"})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestExpectations_VersionCheck(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.InsertExpectation(ctx, newExpectation("e1")))

	a, err := s.Expectation(ctx, "e1")
	require.NoError(t, err)
	b, err := s.Expectation(ctx, "e1")
	require.NoError(t, err)

	a.Result = "first"
	require.NoError(t, s.UpdateExpectation(ctx, a))
	assert.Equal(t, 2, a.Version)

	b.Result = "second"
	err = s.UpdateExpectation(ctx, b)
	assert.True(t, errors.Is(err, store.ErrConflict))

	got, err := s.Expectation(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Result)
}

func TestExpectations_BatchUpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := New()
	e1 := newExpectation("e1")
	e2 := newExpectation("e2")
	e2.AssetID = "asset-2"
	require.NoError(t, s.InsertExpectation(ctx, e1))
	require.NoError(t, s.InsertExpectation(ctx, e2))

	stale := e2.Clone()
	stale.Version = 0
	e1.Result = "changed"

	err := s.UpdateExpectations(ctx, []*expectation.Expectation{e1, stale})
	require.Error(t, err)

	got, err := s.Expectation(ctx, "e1")
	require.NoError(t, err)
	assert.Empty(t, got.Result)
}

func TestExpectationsNotFilled(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := newExpectation("e1")
	require.NoError(t, s.InsertExpectation(ctx, base))

	scored := newExpectation("e2")
	scored.AssetID = "asset-2"
	score := 100.0
	scored.Score = &score
	require.NoError(t, s.InsertExpectation(ctx, scored))

	page, err := s.ExpectationsNotFilled(ctx, base.CreatedAt.Add(30*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, page, "not expired yet")

	page, err = s.ExpectationsNotFilled(ctx, base.CreatedAt.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "e1", page[0].ID)
}

func TestInTx_RollbackRestoresWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.InsertExpectation(ctx, newExpectation("e1")))

	boom := errors.New("boom")
	err := s.InTx(ctx, func(ctx context.Context) error {
		e, err := s.Expectation(ctx, "e1")
		require.NoError(t, err)
		e.Result = "inside tx"
		require.NoError(t, s.UpdateExpectation(ctx, e))

		created := newExpectation("e2")
		created.AssetID = "asset-2"
		require.NoError(t, s.InsertExpectation(ctx, created))

		require.NoError(t, s.InsertStatus(ctx, &execution.InjectStatus{ID: "st-1", InjectID: "inj-1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	e, err := s.Expectation(ctx, "e1")
	require.NoError(t, err)
	assert.Empty(t, e.Result)
	assert.Equal(t, 1, e.Version)

	_, err = s.Expectation(ctx, "e2")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = s.Status(ctx, "st-1")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	// The key index was restored too.
	created := newExpectation("e3")
	created.AssetID = "asset-2"
	assert.NoError(t, s.InsertExpectation(ctx, created))
}

func TestInTx_CommitKeepsWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.InTx(ctx, func(ctx context.Context) error {
		return s.InsertExpectation(ctx, newExpectation("e1"))
	})
	require.NoError(t, err)

	_, err = s.Expectation(ctx, "e1")
	assert.NoError(t, err)
}

func TestInTx_WritersWaitForRollback(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.InsertExpectation(ctx, newExpectation("e1")))
	outside, err := s.Expectation(ctx, "e1")
	require.NoError(t, err)

	boom := errors.New("boom")
	written := make(chan struct{})
	release := make(chan struct{})
	txDone := make(chan error, 1)
	go func() {
		txDone <- s.InTx(ctx, func(ctx context.Context) error {
			e, err := s.Expectation(ctx, "e1")
			if err != nil {
				close(written)
				return err
			}
			e.Result = "inside tx"
			if err := s.UpdateExpectation(ctx, e); err != nil {
				close(written)
				return err
			}
			close(written)
			<-release
			return boom
		})
	}()
	<-written

	updated := make(chan error, 1)
	go func() {
		outside.Result = "outside"
		updated <- s.UpdateExpectation(ctx, outside)
	}()
	select {
	case err := <-updated:
		t.Fatalf("write to a row locked by a transaction returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.ErrorIs(t, <-txDone, boom)
	require.NoError(t, <-updated)

	e, err := s.Expectation(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "outside", e.Result)
	assert.Equal(t, 2, e.Version)
}

func TestFindings_UniquenessAndVersion(t *testing.T) {
	ctx := context.Background()
	s := New()
	f := &finding.Finding{ID: "f1", InjectID: "inj-1", Field: "ports", Type: types.OutputPort, Value: "22"}
	require.NoError(t, s.InsertFinding(ctx, f))

	dup := &finding.Finding{ID: "f2", InjectID: "inj-1", Field: "ports", Type: types.OutputPort, Value: "22"}
	assert.True(t, errors.Is(s.InsertFinding(ctx, dup), store.ErrConflict))

	stale := f.Clone()
	f.AddAsset("a1")
	require.NoError(t, s.UpdateFinding(ctx, f))
	stale.AddAsset("a2")
	assert.True(t, errors.Is(s.UpdateFinding(ctx, stale), store.ErrConflict))

	all, err := s.FindingsByInject(ctx, "inj-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, []string{"a1"}, all[0].AssetIDs)
}

func TestExecutableInjects(t *testing.T) {
	ctx := context.Background()
	s := New()
	start := time.Now().UTC()
	s.PutExercise(types.Exercise{ID: "running", Status: types.ExerciseRunning, Start: &start})
	s.PutExercise(types.Exercise{ID: "paused", Status: types.ExercisePaused, Start: &start})
	contract := &types.InjectorContract{ID: "c", InjectorType: "openbas_manual"}

	require.NoError(t, s.SaveInject(ctx, types.Inject{ID: "ok", ExerciseID: "running", Enabled: true, Contract: contract}))
	require.NoError(t, s.SaveInject(ctx, types.Inject{ID: "disabled", ExerciseID: "running", Contract: contract}))
	require.NoError(t, s.SaveInject(ctx, types.Inject{ID: "paused", ExerciseID: "paused", Enabled: true, Contract: contract}))
	require.NoError(t, s.SaveInject(ctx, types.Inject{ID: "no-contract", ExerciseID: "running", Enabled: true}))
	require.NoError(t, s.SaveInject(ctx, types.Inject{ID: "done", ExerciseID: "running", Enabled: true, Contract: contract}))
	require.NoError(t, s.InsertStatus(ctx, &execution.InjectStatus{ID: "st", InjectID: "done", Name: execution.StatusSuccess, SentAt: &start}))

	injects, err := s.ExecutableInjects(ctx)
	require.NoError(t, err)
	require.Len(t, injects, 1)
	assert.Equal(t, "ok", injects[0].ID)

	// A test run does not count as the inject's execution.
	require.NoError(t, s.InsertStatus(ctx, &execution.InjectStatus{ID: "test", InjectID: "ok", Test: true, SentAt: &start}))
	injects, err = s.ExecutableInjects(ctx)
	require.NoError(t, err)
	assert.Len(t, injects, 1)
}

func TestAtomicTestInjects(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now().UTC()
	contract := &types.InjectorContract{ID: "c", InjectorType: "openbas_manual"}

	require.NoError(t, s.SaveInject(ctx, types.Inject{ID: "queued", AtomicTesting: true, TriggerAt: &now, Contract: contract}))
	require.NoError(t, s.SaveInject(ctx, types.Inject{ID: "untriggered", AtomicTesting: true, Contract: contract}))
	require.NoError(t, s.SaveInject(ctx, types.Inject{ID: "ran", AtomicTesting: true, TriggerAt: &now, Contract: contract}))
	require.NoError(t, s.InsertStatus(ctx, &execution.InjectStatus{ID: "q", InjectID: "queued", Name: execution.StatusQueuing, SentAt: &now}))
	require.NoError(t, s.InsertStatus(ctx, &execution.InjectStatus{ID: "r", InjectID: "ran", Name: execution.StatusSuccess, SentAt: &now}))

	injects, err := s.AtomicTestInjects(ctx)
	require.NoError(t, err)
	require.Len(t, injects, 1)
	assert.Equal(t, "queued", injects[0].ID)
}

func TestStatuses(t *testing.T) {
	ctx := context.Background()
	s := New()
	t1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	require.NoError(t, s.InsertStatus(ctx, &execution.InjectStatus{ID: "a", InjectID: "i", Name: execution.StatusPending, InjectType: "lade", SentAt: &t1}))
	require.NoError(t, s.InsertStatus(ctx, &execution.InjectStatus{ID: "b", InjectID: "i", Test: true, Name: execution.StatusSuccess, SentAt: &t2}))

	latest, err := s.LatestStatus(ctx, "i")
	require.NoError(t, err)
	assert.Equal(t, "a", latest.ID)

	current, err := s.CurrentStatus(ctx, "i")
	require.NoError(t, err)
	assert.Equal(t, "b", current.ID)

	pending, err := s.PendingStatuses(ctx, "lade")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.DeleteStatus(ctx, "b"))
	assert.True(t, errors.Is(s.DeleteStatus(ctx, "b"), store.ErrNotFound))
}

func TestAssetGroupsMaterializeMembers(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutAsset(types.Asset{ID: "a1", Name: "web-01"})
	s.PutAssetGroup("g1", "web", "a1", "missing")

	groups, err := s.AssetGroups(ctx, []string{"g1", "nope"})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Assets, 1)
	assert.Equal(t, "web-01", groups[0].Assets[0].Name)

	// Membership follows asset updates.
	s.PutAsset(types.Asset{ID: "a1", Name: "web-01-renamed"})
	groups, err = s.AssetGroups(ctx, []string{"g1"})
	require.NoError(t, err)
	assert.Equal(t, "web-01-renamed", groups[0].Assets[0].Name)
}

func TestInsertStatus_ClaimsInject(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now().UTC()

	first := &execution.InjectStatus{ID: "a", InjectID: "i", Name: execution.StatusExecuting, SentAt: &now}
	require.NoError(t, s.InsertStatus(ctx, first))
	assert.Equal(t, 1, first.Version)

	second := &execution.InjectStatus{ID: "b", InjectID: "i", Name: execution.StatusExecuting, SentAt: &now}
	assert.True(t, errors.Is(s.InsertStatus(ctx, second), store.ErrConflict))
	_, err := s.Status(ctx, "b")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	// Test runs never claim the inject.
	require.NoError(t, s.InsertStatus(ctx, &execution.InjectStatus{ID: "t", InjectID: "i", Test: true, SentAt: &now}))

	// A queued atomic test is claimed once.
	later := now.Add(time.Second)
	require.NoError(t, s.InsertStatus(ctx, &execution.InjectStatus{ID: "q1", InjectID: "atomic", Name: execution.StatusQueuing, SentAt: &now}))
	require.NoError(t, s.InsertStatus(ctx, &execution.InjectStatus{ID: "q2", InjectID: "atomic", Name: execution.StatusExecuting, SentAt: &later}))
	assert.True(t, errors.Is(s.InsertStatus(ctx, &execution.InjectStatus{ID: "q3", InjectID: "atomic", Name: execution.StatusExecuting, SentAt: &later}), store.ErrConflict))

	assert.True(t, errors.Is(s.InsertStatus(ctx, &execution.InjectStatus{ID: "t", InjectID: "other", Test: true}), store.ErrConflict))
}

func TestUpdateStatus_Version(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now().UTC()
	st := &execution.InjectStatus{ID: "a", InjectID: "i", Name: execution.StatusPending, SentAt: &now}
	require.NoError(t, s.InsertStatus(ctx, st))

	stale := st.Clone()
	st.AddTraces(execution.Trace{AgentID: "a1", Action: execution.ActionComplete, Status: execution.TraceSuccess})
	require.NoError(t, s.UpdateStatus(ctx, st))
	assert.Equal(t, 2, st.Version)

	stale.Name = execution.StatusError
	assert.True(t, errors.Is(s.UpdateStatus(ctx, stale), store.ErrConflict))

	got, err := s.Status(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusPending, got.Name)
	assert.Len(t, got.Traces, 1)

	missing := &execution.InjectStatus{ID: "nope", InjectID: "i"}
	assert.True(t, errors.Is(s.UpdateStatus(ctx, missing), store.ErrNotFound))
}
