package execution

import "time"

// WorkflowState is a snapshot of a remote asynchronous workflow.
type WorkflowState struct {
	Done     bool
	Failed   bool
	StopTime time.Time

	// Traces is the full trace log reported by the backend so far.
	Traces []Trace
}

// Handle returns the async handle of a PENDING status: the first identifier
// recorded by the executor that started the workflow.
func (s *InjectStatus) Handle() string {
	ids := s.Identifiers()
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// ApplyWorkflow replaces the polled part of the trace log with the
// snapshot and, when the workflow is done, closes the status. START traces
// recorded at dispatch are kept so the handle survives. It returns true if
// the status became terminal.
func (s *InjectStatus) ApplyWorkflow(state WorkflowState, now time.Time) bool {
	kept := make([]Trace, 0, len(s.Traces)+len(state.Traces))
	for _, t := range s.Traces {
		if t.Action == ActionStart {
			kept = append(kept, t)
		}
	}
	s.Traces = append(kept, state.Traces...)
	s.UpdatedAt = now

	if !state.Done || s.Name.IsTerminal() {
		return false
	}
	s.Name = StatusSuccess
	if state.Failed {
		s.Name = StatusError
	}
	end := state.StopTime
	if end.IsZero() {
		end = now
	}
	s.EndedAt = &end
	return true
}
