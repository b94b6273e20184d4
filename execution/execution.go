package execution

import (
	"sync"
	"time"
)

// Process is what an executor returns once it has done its synchronous work.
// Async marks executions whose outcome arrives later, from agent callbacks or
// a workflow poller.
type Process struct {
	Async bool
}

// Execution collects the traces of one dispatch. Executors append to it from
// as many goroutines as they fan out to.
type Execution struct {
	mu        sync.Mutex
	traces    []Trace
	startedAt time.Time
}

// New creates an empty execution log.
func New() *Execution {
	return &Execution{startedAt: time.Now().UTC()}
}

// StartedAt returns when the execution log was opened.
func (e *Execution) StartedAt() time.Time {
	return e.startedAt
}

// AddTrace appends a trace.
func (e *Execution) AddTrace(t Trace) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.traces = append(e.traces, t)
}

// AddTraces appends several traces at once, keeping their relative order.
func (e *Execution) AddTraces(ts ...Trace) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.traces = append(e.traces, ts...)
}

// Traces returns a snapshot of the traces appended so far.
func (e *Execution) Traces() []Trace {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Trace(nil), e.traces...)
}

// HasError reports whether any ERROR-class trace was recorded.
func (e *Execution) HasError() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.traces {
		if t.Status.IsError() {
			return true
		}
	}
	return false
}
