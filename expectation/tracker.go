package expectation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	injector "github.com/zero-day-ai/injector"
	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/types"
)

// Store persists expectations. Implementations enforce uniqueness of Key on
// insert and check Version on update, returning injector.ErrConflict on
// either violation, and injector.ErrNotFound for missing rows.
type Store interface {
	Expectation(ctx context.Context, id string) (*Expectation, error)
	FindExpectation(ctx context.Context, key Key) (*Expectation, error)
	InsertExpectation(ctx context.Context, e *Expectation) error
	UpdateExpectation(ctx context.Context, e *Expectation) error
	UpdateExpectations(ctx context.Context, es []*Expectation) error
	ExpectationsByInject(ctx context.Context, injectID string) ([]*Expectation, error)
	ExpectationsNotFilled(ctx context.Context, now time.Time, limit int) ([]*Expectation, error)
}

// Defaults are the expiration times used when a declared expectation does
// not carry its own.
type Defaults struct {
	Technical time.Duration
	Human     time.Duration
}

// DefaultExpirations returns six hours for technical and a day for human
// expectations.
func DefaultExpirations() Defaults {
	return Defaults{Technical: 6 * time.Hour, Human: 24 * time.Hour}
}

const (
	defaultExpectedScore = 100.0
	defaultMaxAttempts   = 8
	defaultBaseBackoff   = 5 * time.Millisecond
	maxBackoff           = 200 * time.Millisecond
)

// Tracker creates and resolves expectations.
type Tracker struct {
	store       Store
	logger      *slog.Logger
	now         func() time.Time
	defaults    Defaults
	maxAttempts int
	backoff     time.Duration
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithDefaults sets the default expiration times.
func WithDefaults(d Defaults) Option {
	return func(t *Tracker) {
		t.defaults = d
	}
}

// WithRetry bounds the merge-and-retry loop run when writers collide.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(t *Tracker) {
		if attempts > 0 {
			t.maxAttempts = attempts
		}
		if backoff > 0 {
			t.backoff = backoff
		}
	}
}

// NewTracker creates a Tracker over the given store.
func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:       store,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		defaults:    DefaultExpirations(),
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBaseBackoff,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Store returns the underlying store.
func (t *Tracker) Store() Store {
	return t.store
}

// BuildAndSave scopes every declared expectation to the inject's resolved
// targets and persists them. Existing rows for the same key are merged into,
// never duplicated.
func (t *Tracker) BuildAndSave(ctx context.Context, ei *execution.ExecutableInject, declared []Declared) ([]*Expectation, error) {
	var saved []*Expectation
	for _, d := range declared {
		if !d.Type.IsValid() {
			t.logger.Warn("dropping unknown expectation type",
				"inject_id", ei.ID(),
				"type", d.Type,
			)
			continue
		}

		scoped := t.scope(ei, d)
		if len(scoped) == 0 {
			t.logger.Warn("expectation has no target to bind to",
				"inject_id", ei.ID(),
				"type", d.Type,
				"name", d.Name,
			)
			continue
		}

		for _, e := range scoped {
			row, err := t.upsert(ctx, e)
			if err != nil {
				return saved, err
			}
			saved = append(saved, row)
		}
	}
	return saved, nil
}

// scope expands a declared expectation into one row per target.
func (t *Tracker) scope(ei *execution.ExecutableInject, d Declared) []*Expectation {
	base := t.fromDeclared(ei, d)
	var out []*Expectation

	withTarget := func(set func(e *Expectation)) {
		e := base.Clone()
		set(e)
		out = append(out, e)
	}

	if d.Type.IsHuman() && len(ei.Teams) > 0 {
		for _, team := range ei.Teams {
			withTarget(func(e *Expectation) { e.TeamID = team.ID })
			if !d.Type.perPlayer() {
				continue
			}
			for _, uc := range ei.Users {
				if !containsString(uc.TeamNames, team.Name) {
					continue
				}
				userID := uc.User.ID
				withTarget(func(e *Expectation) {
					e.TeamID = team.ID
					e.UserID = userID
				})
			}
		}
		return out
	}

	if d.Type.IsHuman() && d.Type != TypeManual {
		return out
	}

	// Technical expectations, and manual ones on technical injects, bind to
	// assets. Only technical expectations go down to agents.
	addAsset := func(assetID, groupID string, agents []string) {
		withTarget(func(e *Expectation) {
			e.AssetID = assetID
			e.AssetGroupID = groupID
		})
		if !d.Type.IsTechnical() {
			return
		}
		for _, agentID := range agents {
			withTarget(func(e *Expectation) {
				e.AssetID = assetID
				e.AssetGroupID = groupID
				e.AgentID = agentID
			})
		}
	}

	for _, asset := range ei.Assets {
		addAsset(asset.ID, "", activeAgentIDs(asset.ActiveAgents()))
	}
	for _, group := range ei.AssetGroups {
		groupID := group.ID
		withTarget(func(e *Expectation) { e.AssetGroupID = groupID })
		for _, asset := range group.Assets {
			addAsset(asset.ID, groupID, activeAgentIDs(asset.ActiveAgents()))
		}
	}
	return out
}

func (t *Tracker) fromDeclared(ei *execution.ExecutableInject, d Declared) *Expectation {
	score := d.Score
	if score <= 0 {
		score = defaultExpectedScore
	}

	expiration := time.Duration(d.ExpirationSeconds) * time.Second
	if expiration <= 0 {
		if d.Type.IsTechnical() {
			expiration = t.defaults.Technical
		} else {
			expiration = t.defaults.Human
		}
	}

	return &Expectation{
		InjectID:       ei.ID(),
		ExerciseID:     ei.Inject.ExerciseID,
		Type:           d.Type,
		Name:           d.Name,
		Description:    d.Description,
		ExpectedScore:  score,
		Group:          d.Group,
		ExpirationTime: expiration,
	}
}

// upsert finds the row for e's key or inserts it. A lost race on insert or
// update re-reads the winner and merges into it, with bounded backoff.
func (t *Tracker) upsert(ctx context.Context, e *Expectation) (*Expectation, error) {
	var lastErr error
	for attempt := 0; attempt < t.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := t.sleep(ctx, attempt); err != nil {
				return nil, err
			}
		}

		existing, err := t.store.FindExpectation(ctx, e.Key())
		switch {
		case err == nil:
			existing.Merge(e)
			existing.UpdatedAt = t.now()
			if err := t.store.UpdateExpectation(ctx, existing); err != nil {
				if !errors.Is(err, injector.ErrConflict) {
					return nil, err
				}
				lastErr = err
				t.logRace(e, attempt)
				continue
			}
			return existing, nil

		case errors.Is(err, injector.ErrNotFound):
			candidate := e.Clone()
			now := t.now()
			candidate.ID = uuid.New().String()
			candidate.CreatedAt = now
			candidate.UpdatedAt = now
			if err := t.store.InsertExpectation(ctx, candidate); err != nil {
				if !errors.Is(err, injector.ErrConflict) {
					return nil, err
				}
				lastErr = err
				t.logRace(e, attempt)
				continue
			}
			return candidate, nil

		default:
			return nil, err
		}
	}

	return nil, injector.NewConflictError("Tracker.upsert", lastErr).WithContext(map[string]any{
		"inject_id": e.InjectID,
		"type":      string(e.Type),
		"name":      e.Name,
	})
}

// save applies mutate to e and persists it. On a version conflict the row is
// re-read and mutate applied again to the fresh copy.
func (t *Tracker) save(ctx context.Context, e *Expectation, mutate func(*Expectation)) (*Expectation, error) {
	current := e
	var lastErr error
	for attempt := 0; attempt < t.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := t.sleep(ctx, attempt); err != nil {
				return nil, err
			}
			fresh, err := t.store.Expectation(ctx, e.ID)
			if err != nil {
				return nil, err
			}
			current = fresh
		}

		mutate(current)
		err := t.store.UpdateExpectation(ctx, current)
		if err == nil {
			return current, nil
		}
		if !errors.Is(err, injector.ErrConflict) {
			return nil, err
		}
		lastErr = err
		t.logRace(current, attempt)
	}
	return nil, injector.NewConflictError("Tracker.save", lastErr).WithContext(map[string]any{
		"expectation_id": e.ID,
	})
}

func (t *Tracker) logRace(e *Expectation, attempt int) {
	t.logger.Info("concurrent expectation write, merging into existing row",
		"inject_id", e.InjectID,
		"type", e.Type,
		"name", e.Name,
		"attempt", attempt+1,
	)
}

func (t *Tracker) sleep(ctx context.Context, attempt int) error {
	d := t.backoff << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func activeAgentIDs(agents []types.Agent) []string {
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	return ids
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
