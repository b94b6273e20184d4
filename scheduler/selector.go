package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	injector "github.com/zero-day-ai/injector"
	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/target"
	"github.com/zero-day-ai/injector/types"
)

// Store is the persistence the selector reads.
type Store interface {
	target.Directory

	ExecutableInjects(ctx context.Context) ([]types.Inject, error)
	AtomicTestInjects(ctx context.Context) ([]types.Inject, error)
	Injects(ctx context.Context, ids []string) ([]types.Inject, error)
	LatestStatus(ctx context.Context, injectID string) (*execution.InjectStatus, error)
}

// Selector computes the injects due for execution.
type Selector struct {
	store      Store
	assembler  *target.Assembler
	conditions *Conditions
	logger     *slog.Logger
	now        func() time.Time

	skipped atomic.Int64
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithSelectorLogger sets the logger.
func WithSelectorLogger(logger *slog.Logger) SelectorOption {
	return func(s *Selector) {
		s.logger = logger
	}
}

// WithSelectorClock replaces time.Now.
func WithSelectorClock(now func() time.Time) SelectorOption {
	return func(s *Selector) {
		s.now = now
	}
}

// WithConditions sets the dependency condition evaluator.
func WithConditions(c *Conditions) SelectorOption {
	return func(s *Selector) {
		s.conditions = c
	}
}

// NewSelector creates a Selector over st.
func NewSelector(st Store, opts ...SelectorOption) (*Selector, error) {
	s := &Selector{
		store:     st,
		assembler: target.NewAssembler(st),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.conditions == nil {
		c, err := NewConditions()
		if err != nil {
			return nil, err
		}
		s.conditions = c
	}
	return s, nil
}

// Skipped returns how many injects were dropped from a selection because
// they could not be assembled.
func (s *Selector) Skipped() int64 {
	return s.skipped.Load()
}

// candidate is an inject with the data needed to order it.
type candidate struct {
	inject types.Inject
	due    time.Time
	depth  int
}

// InjectsToRun returns the executable injects due now: simulation injects
// first, then atomic tests, each in execution order, without duplicates.
// An inject that fails to assemble is logged and skipped.
func (s *Selector) InjectsToRun(ctx context.Context) ([]*execution.ExecutableInject, error) {
	now := s.now()

	scheduled, err := s.store.ExecutableInjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list executable injects: %w", err)
	}
	atomicTests, err := s.store.AtomicTestInjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list atomic tests: %w", err)
	}

	exercises := make(map[string]*types.Exercise)
	depths := make(map[string]int)

	due := s.dueCandidates(ctx, scheduled, now, exercises, depths, true)
	dueTests := s.dueCandidates(ctx, atomicTests, now, exercises, depths, false)
	sortCandidates(due)
	sortCandidates(dueTests)

	seen := make(map[string]bool)
	var out []*execution.ExecutableInject
	for _, c := range append(due, dueTests...) {
		if seen[c.inject.ID] {
			continue
		}
		seen[c.inject.ID] = true

		ei, err := s.assembler.Assemble(ctx, c.inject, target.ModeScheduled)
		if err != nil {
			s.skipped.Add(1)
			s.logger.Error("failed to assemble inject, skipping",
				"inject_id", c.inject.ID,
				"error", err,
			)
			continue
		}
		out = append(out, ei)
	}
	return out, nil
}

// PendingWithin returns the not yet dispatched simulation injects that will
// be due within the next minutes, in execution order.
func (s *Selector) PendingWithin(ctx context.Context, minutes int) ([]types.Inject, error) {
	if minutes < 0 {
		return nil, injector.NewValidationError("Selector.PendingWithin",
			fmt.Errorf("threshold must not be negative, got %d", minutes))
	}

	injects, err := s.store.ExecutableInjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list executable injects: %w", err)
	}

	now := s.now()
	horizon := now.Add(time.Duration(minutes) * time.Minute)
	exercises := make(map[string]*types.Exercise)
	depths := make(map[string]int)

	var pending []candidate
	for _, inj := range injects {
		at, ok := s.executionTime(ctx, inj, exercises)
		if !ok || !at.After(now) || at.After(horizon) {
			continue
		}
		pending = append(pending, candidate{inject: inj, due: at, depth: s.depth(ctx, inj, depths, nil)})
	}
	sortCandidates(pending)

	out := make([]types.Inject, 0, len(pending))
	for _, c := range pending {
		out = append(out, c.inject)
	}
	return out, nil
}

func (s *Selector) dueCandidates(ctx context.Context, injects []types.Inject, now time.Time, exercises map[string]*types.Exercise, depths map[string]int, checkDeps bool) []candidate {
	var out []candidate
	for _, inj := range injects {
		at, ok := s.executionTime(ctx, inj, exercises)
		if !ok || at.After(now) {
			continue
		}
		if checkDeps && !s.dependenciesSatisfied(ctx, inj) {
			continue
		}
		out = append(out, candidate{inject: inj, due: at, depth: s.depth(ctx, inj, depths, nil)})
	}
	return out
}

func (s *Selector) executionTime(ctx context.Context, inj types.Inject, exercises map[string]*types.Exercise) (time.Time, bool) {
	if inj.AtomicTesting {
		return inj.ExecutionTime(nil)
	}

	ex, ok := exercises[inj.ExerciseID]
	if !ok {
		loaded, err := s.store.Exercise(ctx, inj.ExerciseID)
		if err != nil {
			s.logger.Warn("failed to load exercise of inject",
				"inject_id", inj.ID,
				"exercise_id", inj.ExerciseID,
				"error", err,
			)
		} else {
			ex = &loaded
		}
		exercises[inj.ExerciseID] = ex
	}
	return inj.ExecutionTime(ex)
}

// dependenciesSatisfied checks every parent condition. Errors count as not
// satisfied so that a broken condition holds the child back.
func (s *Selector) dependenciesSatisfied(ctx context.Context, inj types.Inject) bool {
	for _, dep := range inj.DependsOn {
		parent, err := s.store.LatestStatus(ctx, dep.ParentID)
		if err != nil {
			if !errors.Is(err, injector.ErrNotFound) {
				s.logger.Warn("failed to load parent status",
					"inject_id", inj.ID,
					"parent_id", dep.ParentID,
					"error", err,
				)
			}
			return false
		}
		ok, err := s.conditions.Satisfied(dep.Condition, parent)
		if err != nil {
			s.logger.Warn("dependency condition failed",
				"inject_id", inj.ID,
				"parent_id", dep.ParentID,
				"error", err,
			)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// depth is the length of the longest dependency chain above inj. Cycles are
// cut where they are detected.
func (s *Selector) depth(ctx context.Context, inj types.Inject, memo map[string]int, visiting map[string]bool) int {
	if d, ok := memo[inj.ID]; ok {
		return d
	}
	if len(inj.DependsOn) == 0 {
		memo[inj.ID] = 0
		return 0
	}
	if visiting == nil {
		visiting = make(map[string]bool)
	}
	if visiting[inj.ID] {
		return 0
	}
	visiting[inj.ID] = true
	defer delete(visiting, inj.ID)

	ids := make([]string, 0, len(inj.DependsOn))
	for _, dep := range inj.DependsOn {
		ids = append(ids, dep.ParentID)
	}
	parents, err := s.store.Injects(ctx, ids)
	if err != nil {
		s.logger.Warn("failed to load parent injects", "inject_id", inj.ID, "error", err)
		return 1
	}

	d := 1
	for _, p := range parents {
		if pd := s.depth(ctx, p, memo, visiting) + 1; pd > d {
			d = pd
		}
	}
	memo[inj.ID] = d
	return d
}

func sortCandidates(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.depth != b.depth {
			return a.depth < b.depth
		}
		if !a.due.Equal(b.due) {
			return a.due.Before(b.due)
		}
		return a.inject.ID < b.inject.ID
	})
}
