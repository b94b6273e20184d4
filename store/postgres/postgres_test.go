package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/expectation"
	"github.com/zero-day-ai/injector/finding"
	"github.com/zero-day-ai/injector/store"
	"github.com/zero-day-ai/injector/types"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique violation", &pq.Error{Code: "23505", Constraint: "findings_key_idx"}, store.ErrConflict},
		{"wrapped unique violation", errors.Join(errors.New("exec"), &pq.Error{Code: "23505"}), store.ErrConflict},
		{"no rows", sql.ErrNoRows, store.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError("op", tt.err), tt.want)
		})
	}

	other := mapError("op", &pq.Error{Code: "23503"})
	assert.False(t, errors.Is(other, store.ErrConflict))
	assert.False(t, errors.Is(other, store.ErrNotFound))
	assert.NoError(t, mapError("op", nil))
}

func TestSchemaDeclaresUniquenessKeys(t *testing.T) {
	assert.Contains(t, Schema, "CREATE UNIQUE INDEX IF NOT EXISTS expectations_key_idx")
	assert.Contains(t, Schema, "CREATE UNIQUE INDEX IF NOT EXISTS findings_key_idx ON findings (inject_id, value, type, field)")
}

// openTestStore connects to INJECTOR_TEST_POSTGRES_DSN and starts from an
// empty schema.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("INJECTOR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("INJECTOR_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, 10)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.db.ExecContext(ctx, `DROP TABLE IF EXISTS exercises, teams, assets, asset_groups,
		injects, inject_statuses, expectations, findings`)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestStore_FindingRace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.InsertFinding(ctx, &finding.Finding{
				ID:        uuid.NewString(),
				InjectID:  "inj-1",
				Field:     "hostname",
				Type:      types.OutputText,
				Value:     "srv01",
				AssetIDs:  []string{"asset-" + string(rune('a'+i))},
				CreatedAt: time.Now(),
			})
		}()
	}
	wg.Wait()

	conflicts := 0
	for _, err := range errs {
		if errors.Is(err, store.ErrConflict) {
			conflicts++
		} else {
			require.NoError(t, err)
		}
	}
	assert.Equal(t, 1, conflicts)

	f, err := s.FindFinding(ctx, finding.Key{InjectID: "inj-1", Value: "srv01", Type: "text", Field: "hostname"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.Version)

	stale := f.Clone()
	f.AssetIDs = append(f.AssetIDs, "asset-z")
	require.NoError(t, s.UpdateFinding(ctx, f))
	assert.Equal(t, 2, f.Version)
	assert.ErrorIs(t, s.UpdateFinding(ctx, stale), store.ErrConflict)
	assert.Equal(t, 1, stale.Version)
}

func TestStore_Expectations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Now().Add(-2 * time.Hour).UTC().Truncate(time.Millisecond)

	e := &expectation.Expectation{
		ID:             uuid.NewString(),
		InjectID:       "inj-1",
		Type:           expectation.TypeDetection,
		Name:           "Detection",
		AgentID:        "agent-1",
		ExpirationTime: time.Hour,
		CreatedAt:      created,
	}
	require.NoError(t, s.InsertExpectation(ctx, e))

	dup := *e
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, s.InsertExpectation(ctx, &dup), store.ErrConflict)

	expired, err := s.ExpectationsNotFilled(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	score := 0.0
	expired[0].Score = &score
	require.NoError(t, s.UpdateExpectations(ctx, expired))

	expired, err = s.ExpectationsNotFilled(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	// e is now stale.
	assert.ErrorIs(t, s.UpdateExpectation(ctx, e), store.ErrConflict)

	missing := &expectation.Expectation{ID: "nope", Version: 1}
	assert.ErrorIs(t, s.UpdateExpectation(ctx, missing), store.ErrNotFound)
}

func TestStore_StatusesAndTx(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.SaveInject(ctx, types.Inject{ID: "inj-1", Enabled: true, CreatedAt: now, UpdatedAt: now}))
	sent := now.Add(-time.Minute)
	st := &execution.InjectStatus{
		ID: "st-1", InjectID: "inj-1", InjectType: "openbas_lade",
		Name: execution.StatusPending, SentAt: &sent, UpdatedAt: now,
	}
	require.NoError(t, s.InsertStatus(ctx, st))
	assert.Equal(t, 1, st.Version)

	// The inject is claimed; only test runs may add statuses now.
	rival := &execution.InjectStatus{ID: "st-2", InjectID: "inj-1", Name: execution.StatusExecuting, SentAt: &now, UpdatedAt: now}
	assert.ErrorIs(t, s.InsertStatus(ctx, rival), store.ErrConflict)
	require.NoError(t, s.InsertStatus(ctx, &execution.InjectStatus{ID: "st-test", InjectID: "inj-1", Test: true, SentAt: &now, UpdatedAt: now}))

	stale := st.Clone()
	st.AddTraces(execution.NewAgentTrace("a1", execution.TraceSuccess, execution.ActionComplete, "done"))
	require.NoError(t, s.UpdateStatus(ctx, st))
	assert.ErrorIs(t, s.UpdateStatus(ctx, stale), store.ErrConflict)
	got, err := s.Status(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Len(t, got.Traces, 1)

	pending, err := s.PendingStatuses(ctx, "openbas_lade")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = s.LatestStatus(ctx, "inj-2")
	assert.ErrorIs(t, err, store.ErrNotFound)

	boom := errors.New("boom")
	err = s.InTx(ctx, func(ctx context.Context) error {
		require.NoError(t, s.DeleteStatus(ctx, "st-1"))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = s.Status(ctx, "st-1")
	assert.NoError(t, err, "delete rolled back")

	touched := now.Add(time.Hour)
	require.NoError(t, s.TouchInject(ctx, "inj-1", touched))
	inj, err := s.Inject(ctx, "inj-1")
	require.NoError(t, err)
	assert.True(t, touched.Equal(inj.UpdatedAt))
	assert.ErrorIs(t, s.TouchInject(ctx, "missing", touched), store.ErrNotFound)
}

func TestStore_InsertStatusClaimsOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		won    int
		others []error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InsertStatus(ctx, &execution.InjectStatus{
				ID: uuid.NewString(), InjectID: "contended", Name: execution.StatusExecuting,
				SentAt: &now, UpdatedAt: now,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				won++
			} else {
				others = append(others, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, won)
	for _, err := range others {
		assert.ErrorIs(t, err, store.ErrConflict)
	}
}
