package execution

import (
	"fmt"
	"time"
)

// TraceStatus is the outcome recorded by a single trace.
type TraceStatus string

const (
	TraceSuccess                 TraceStatus = "SUCCESS"
	TraceInfo                    TraceStatus = "INFO"
	TraceWarning                 TraceStatus = "WARNING"
	TraceMaybePrevented          TraceStatus = "MAYBE_PREVENTED"
	TraceCommandNotFound         TraceStatus = "COMMAND_NOT_FOUND"
	TraceCommandCannotBeExecuted TraceStatus = "COMMAND_CANNOT_BE_EXECUTED"
	TraceAgentInactive           TraceStatus = "AGENT_INACTIVE"
	TraceError                   TraceStatus = "ERROR"
)

// ParseTraceStatus converts a wire value into a TraceStatus.
func ParseTraceStatus(s string) (TraceStatus, error) {
	ts := TraceStatus(s)
	if ts.severity() < 0 {
		return "", fmt.Errorf("unknown trace status %q", s)
	}
	return ts, nil
}

// severity orders trace statuses from benign to fatal; -1 marks unknown values.
func (s TraceStatus) severity() int {
	switch s {
	case TraceInfo:
		return 0
	case TraceSuccess:
		return 1
	case TraceWarning:
		return 2
	case TraceMaybePrevented:
		return 3
	case TraceCommandNotFound, TraceCommandCannotBeExecuted, TraceAgentInactive:
		return 4
	case TraceError:
		return 5
	default:
		return -1
	}
}

// IsError reports whether the trace status means the target was not reached
// or the action failed.
func (s TraceStatus) IsError() bool {
	return s.severity() >= 4
}

func (s TraceStatus) statusName() StatusName {
	switch {
	case s.IsError():
		return StatusError
	case s == TraceMaybePrevented:
		return StatusMaybePrevented
	default:
		return StatusSuccess
	}
}

// TraceAction is the lifecycle phase a trace belongs to.
type TraceAction string

const (
	ActionStart                 TraceAction = "START"
	ActionPrerequisiteCheck     TraceAction = "PREREQUISITE_CHECK"
	ActionPrerequisiteExecution TraceAction = "PREREQUISITE_EXECUTION"
	ActionExecution             TraceAction = "EXECUTION"
	ActionCleanupExecution      TraceAction = "CLEANUP_EXECUTION"
	ActionComplete              TraceAction = "COMPLETE"
)

// ParseTraceAction converts a wire value into a TraceAction.
func ParseTraceAction(s string) (TraceAction, error) {
	switch a := TraceAction(s); a {
	case ActionStart, ActionPrerequisiteCheck, ActionPrerequisiteExecution,
		ActionExecution, ActionCleanupExecution, ActionComplete:
		return a, nil
	default:
		return "", fmt.Errorf("unknown trace action %q", s)
	}
}

// Trace is one timestamped log line of an inject execution.
type Trace struct {
	Time    time.Time   `json:"time"`
	Status  TraceStatus `json:"status"`
	Action  TraceAction `json:"action"`
	Message string      `json:"message"`

	// Identifiers scope the trace to users, assets or async handles (a remote
	// workflow id, for instance).
	Identifiers []string `json:"identifiers,omitempty"`

	// AgentID is set on traces emitted by or about a specific agent.
	AgentID string `json:"agent_id,omitempty"`

	// Duration is the agent-reported execution time, when known.
	Duration time.Duration `json:"duration,omitempty"`
}

// NewTrace creates a trace stamped with the current time.
func NewTrace(status TraceStatus, action TraceAction, message string, identifiers ...string) Trace {
	return Trace{
		Time:        time.Now().UTC(),
		Status:      status,
		Action:      action,
		Message:     message,
		Identifiers: identifiers,
	}
}

// NewSuccessTrace creates a SUCCESS trace.
func NewSuccessTrace(message string, action TraceAction, identifiers ...string) Trace {
	return NewTrace(TraceSuccess, action, message, identifiers...)
}

// NewErrorTrace creates an ERROR trace.
func NewErrorTrace(message string, action TraceAction, identifiers ...string) Trace {
	return NewTrace(TraceError, action, message, identifiers...)
}

// NewInfoTrace creates an INFO trace.
func NewInfoTrace(message string, action TraceAction, identifiers ...string) Trace {
	return NewTrace(TraceInfo, action, message, identifiers...)
}

// NewWarningTrace creates a WARNING trace.
func NewWarningTrace(message string, action TraceAction, identifiers ...string) Trace {
	return NewTrace(TraceWarning, action, message, identifiers...)
}

// NewAgentTrace creates a trace attributed to an agent.
func NewAgentTrace(agentID string, status TraceStatus, action TraceAction, message string) Trace {
	t := NewTrace(status, action, message, agentID)
	t.AgentID = agentID
	return t
}

// scope returns a key identifying what the trace is about, or "" when the
// trace concerns the inject as a whole.
func (t Trace) scope() string {
	if t.AgentID != "" {
		return "agent:" + t.AgentID
	}
	if len(t.Identifiers) > 0 {
		return "id:" + t.Identifiers[0]
	}
	return ""
}
