package execution

import (
	"time"

	"github.com/google/uuid"

	"github.com/zero-day-ai/injector/types"
)

// StatusName is the lifecycle state of an inject run.
type StatusName string

const (
	StatusDraft          StatusName = "DRAFT"
	StatusQueuing        StatusName = "QUEUING"
	StatusExecuting      StatusName = "EXECUTING"
	StatusPending        StatusName = "PENDING"
	StatusSuccess        StatusName = "SUCCESS"
	StatusPartial        StatusName = "PARTIAL"
	StatusMaybePrevented StatusName = "MAYBE_PREVENTED"
	StatusError          StatusName = "ERROR"
)

// IsTerminal returns true if no further traces can change the outcome.
func (s StatusName) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusPartial, StatusMaybePrevented, StatusError:
		return true
	default:
		return false
	}
}

// InjectStatus is the folded outcome of one inject run. Atomic tests and test
// runs get their own status, distinct from the simulation's.
type InjectStatus struct {
	ID         string     `json:"id"`
	InjectID   string     `json:"inject_id"`
	InjectType string     `json:"inject_type"`
	Name       StatusName `json:"name"`
	Traces     []Trace    `json:"traces,omitempty"`

	// Test marks statuses created by an on-demand test run.
	Test bool `json:"test"`

	SentAt    *time.Time `json:"sent_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`

	// Version is set by the store on insert and bumped on every update.
	Version int `json:"version"`
}

// NewInjectStatus opens an EXECUTING status for a dispatch starting now.
func NewInjectStatus(inj types.Inject, test bool, now time.Time) *InjectStatus {
	return &InjectStatus{
		ID:         uuid.New().String(),
		InjectID:   inj.ID,
		InjectType: inj.InjectorType(),
		Name:       StatusExecuting,
		Test:       test,
		SentAt:     &now,
		UpdatedAt:  now,
	}
}

// AddTraces appends traces to the status.
func (s *InjectStatus) AddTraces(ts ...Trace) {
	s.Traces = append(s.Traces, ts...)
}

// Identifiers flattens the identifiers carried by every trace, in order.
// Asynchronous executors record their remote handle as the first one.
func (s *InjectStatus) Identifiers() []string {
	var ids []string
	for _, t := range s.Traces {
		ids = append(ids, t.Identifiers...)
	}
	return ids
}

// Finalize records the traces of a finished dispatch and derives the status.
// Asynchronous runs stay PENDING until callbacks complete them; callbacks
// that arrived while the executor ran are counted.
func (s *InjectStatus) Finalize(exec *Execution, proc Process, now time.Time) {
	s.AddTraces(exec.Traces()...)
	s.UpdatedAt = now

	if proc.Async {
		s.Name = StatusPending
		s.Refresh(now)
		return
	}

	s.Name = Fold(s.Traces)
	s.EndedAt = &now
}

// Refresh completes a PENDING status once every agent that started reported a
// COMPLETE trace. It returns true if the status changed to terminal.
func (s *InjectStatus) Refresh(now time.Time) bool {
	if s.Name != StatusPending {
		return false
	}

	started := make(map[string]bool)
	completed := make(map[string]bool)
	for _, t := range s.Traces {
		if t.AgentID == "" {
			continue
		}
		switch t.Action {
		case ActionStart:
			started[t.AgentID] = true
		case ActionComplete:
			completed[t.AgentID] = true
		}
	}
	if len(started) == 0 {
		return false
	}
	for agent := range started {
		if !completed[agent] {
			return false
		}
	}

	s.Name = Fold(s.Traces)
	s.EndedAt = &now
	s.UpdatedAt = now
	return true
}

// Clone returns a deep copy of the status.
func (s *InjectStatus) Clone() *InjectStatus {
	c := *s
	c.Traces = make([]Trace, len(s.Traces))
	for i, t := range s.Traces {
		t.Identifiers = append([]string(nil), t.Identifiers...)
		c.Traces[i] = t
	}
	if s.SentAt != nil {
		v := *s.SentAt
		c.SentAt = &v
	}
	if s.EndedAt != nil {
		v := *s.EndedAt
		c.EndedAt = &v
	}
	return &c
}

// Fold derives a status from traces. Only COMPLETE traces are considered when
// any exist, and the most severe one wins, except that failures and successes
// scoped to different targets yield PARTIAL. No traces at all yields DRAFT.
func Fold(traces []Trace) StatusName {
	if len(traces) == 0 {
		return StatusDraft
	}

	considered := make([]Trace, 0, len(traces))
	for _, t := range traces {
		if t.Action == ActionComplete {
			considered = append(considered, t)
		}
	}
	if len(considered) == 0 {
		considered = traces
	}

	worst := considered[0]
	for _, t := range considered[1:] {
		if t.Status.severity() > worst.Status.severity() {
			worst = t
		}
	}

	if worst.Status.IsError() && mixedScopes(considered) {
		return StatusPartial
	}
	return worst.Status.statusName()
}

// mixedScopes reports whether some scoped target failed while another scoped
// target succeeded.
func mixedScopes(traces []Trace) bool {
	failed := make(map[string]bool)
	succeeded := make(map[string]bool)
	for _, t := range traces {
		scope := t.scope()
		if scope == "" {
			continue
		}
		if t.Status.IsError() {
			failed[scope] = true
		} else {
			succeeded[scope] = true
		}
	}
	for scope := range succeeded {
		if !failed[scope] {
			return len(failed) > 0
		}
	}
	return false
}
