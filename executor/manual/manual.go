// Package manual executes injects that people carry out by hand. The
// executor only records the MANUAL expectations that evaluators will later
// validate.
package manual

import (
	"context"
	"fmt"

	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/executor"
	"github.com/zero-day-ai/injector/expectation"
)

// Type is the injector type handled by this package.
const Type = "openbas_manual"

// Content is the payload of a manual inject.
type Content struct {
	Expectations []expectation.Declared `json:"expectations,omitempty"`
}

// Executor handles manual injects.
type Executor struct {
	tracker *expectation.Tracker
}

var _ executor.Executor = (*Executor)(nil)

// New creates a manual executor.
func New(tracker *expectation.Tracker) *Executor {
	return &Executor{tracker: tracker}
}

// Process implements executor.Executor.
func (x *Executor) Process(ctx context.Context, exec *execution.Execution, ei *execution.ExecutableInject) (execution.Process, error) {
	content, err := executor.DecodeContent[Content](ei)
	if err != nil {
		return execution.Process{}, err
	}

	declared := expectation.Filter(content.Expectations, expectation.TypeManual)
	if _, err := x.tracker.BuildAndSave(ctx, ei, declared); err != nil {
		return execution.Process{}, fmt.Errorf("failed to save expectations: %w", err)
	}

	exec.AddTrace(execution.NewSuccessTrace("Manual inject execution", execution.ActionComplete))
	return execution.Process{}, nil
}
