package expectation

import (
	"context"
	"errors"
	"fmt"

	injector "github.com/zero-day-ai/injector"
)

// Input is a verdict submitted for an expectation. Score overrides the
// success/failure mapping when set and is clamped to the expected score.
type Input struct {
	Success bool
	Result  string
	Score   *float64
}

// ComputeTechnical records a verdict on an agent-level (or any technical)
// expectation, saves it, and rolls the outcome up to its parent rows. It
// returns every row it wrote, starting with e.
func (t *Tracker) ComputeTechnical(ctx context.Context, e *Expectation, src Source, in Input) ([]*Expectation, error) {
	saved, err := t.save(ctx, e, func(x *Expectation) { t.resolve(x, src, in) })
	if err != nil {
		return nil, fmt.Errorf("failed to save expectation %s: %w", e.ID, err)
	}

	parents, err := t.propagate(ctx, saved)
	if err != nil {
		return nil, err
	}
	return append([]*Expectation{saved}, parents...), nil
}

// ComputeHumanResponse records a verdict on a human expectation (manual,
// article, challenge...). The expectation is updated in place and not saved;
// callers batch the writes.
func (t *Tracker) ComputeHumanResponse(e *Expectation, src Source, in Input) *Expectation {
	if in.Result == "" {
		in.Result = FailedMessage(e.Type)
		if in.Success {
			in.Result = "Validated"
		}
	}
	t.resolve(e, src, in)
	return e
}

// ComputeAgentOrAssetAgentless records a verdict on an asset, asset group or
// agentless technical expectation. Like ComputeHumanResponse it does not save.
func (t *Tracker) ComputeAgentOrAssetAgentless(e *Expectation, src Source, in Input) *Expectation {
	if in.Result == "" {
		in.Result = FailedMessage(e.Type)
		if in.Success {
			in.Result = "Success"
		}
	}
	t.resolve(e, src, in)
	return e
}

// resolve applies a verdict. A scored expectation keeps its score; the
// source's result is only appended when the source never reported.
func (t *Tracker) resolve(e *Expectation, src Source, in Input) {
	now := t.now()
	score := computeScore(e, in)
	result := Result{
		SourceID:   src.ID,
		SourceType: src.Type,
		SourceName: src.Name,
		Result:     in.Result,
		Score:      &score,
		Date:       now,
	}

	if e.Score != nil {
		if e.resultIndex(src.ID) < 0 {
			e.Results = append(e.Results, result)
			e.UpdatedAt = now
		}
		return
	}

	if i := e.resultIndex(src.ID); i >= 0 {
		e.Results[i] = result
	} else {
		e.Results = append(e.Results, result)
	}
	e.Score = &score
	e.Result = in.Result
	e.UpdatedAt = now
}

func computeScore(e *Expectation, in Input) float64 {
	if in.Score != nil {
		s := *in.Score
		if s < 0 {
			s = 0
		}
		if s > e.ExpectedScore {
			s = e.ExpectedScore
		}
		return s
	}
	if in.Success {
		return e.ExpectedScore
	}
	return 0
}

// propagate recomputes the parent of child from all of the parent's children
// and recurses upward. Parents that already carry a score are left alone.
func (t *Tracker) propagate(ctx context.Context, child *Expectation) ([]*Expectation, error) {
	parentKey, ok := child.ParentKey()
	if !ok {
		return nil, nil
	}

	parent, err := t.store.FindExpectation(ctx, parentKey)
	if errors.Is(err, injector.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load parent expectation: %w", err)
	}
	if parent.IsFilled() {
		return nil, nil
	}

	siblings, err := t.store.ExpectationsByInject(ctx, child.InjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sibling expectations: %w", err)
	}
	var children []*Expectation
	for _, s := range siblings {
		if k, ok := s.ParentKey(); ok && k == parentKey {
			children = append(children, s)
		}
	}

	score := aggregate(parent, children)
	if score == nil {
		return nil, nil
	}

	now := t.now()
	saved, err := t.save(ctx, parent, func(p *Expectation) {
		if p.Score != nil {
			return
		}
		s := *score
		p.Score = &s
		p.Result = fmt.Sprintf("Computed from %d sub-expectations", len(children))
		p.UpdatedAt = now
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save parent expectation: %w", err)
	}

	above, err := t.propagate(ctx, saved)
	if err != nil {
		return nil, err
	}
	return append([]*Expectation{saved}, above...), nil
}

// aggregate derives a parent score from its children, or nil while undecided.
// Group parents succeed on any successful child; others need every child to
// succeed and fail on the first failure.
func aggregate(parent *Expectation, children []*Expectation) *float64 {
	if len(children) == 0 {
		return nil
	}

	var scored, succeeded int
	for _, c := range children {
		if !c.IsFilled() {
			continue
		}
		scored++
		if c.IsSuccess() {
			succeeded++
		}
	}

	success := parent.ExpectedScore
	failure := 0.0
	if parent.Group {
		switch {
		case succeeded > 0:
			return &success
		case scored == len(children):
			return &failure
		}
		return nil
	}

	switch {
	case scored > succeeded:
		return &failure
	case succeeded == len(children):
		return &success
	}
	return nil
}
