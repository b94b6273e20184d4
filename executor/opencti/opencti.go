// Package opencti executes injects that open a case or publish a report on
// an OpenCTI threat intelligence platform.
package opencti

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/executor"
	"github.com/zero-day-ai/injector/expectation"
)

const (
	// Type is the injector type handled by this package.
	Type = "openbas_opencti"

	// ContractCreateCase selects case creation; every other contract of the
	// injector creates a report.
	ContractCreateCase = "OPENCTI_CREATE_CASE"
)

// Content is the payload of an OpenCTI inject.
type Content struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	Expectations []expectation.Declared `json:"expectations,omitempty"`
}

// Platform is the subset of the OpenCTI API used by the executor.
type Platform interface {
	CreateCase(ctx context.Context, name, description string) (string, error)
	CreateReport(ctx context.Context, name, description string) (string, error)
}

// Executor handles OpenCTI injects.
type Executor struct {
	platform Platform
	tracker  *expectation.Tracker
	logger   *slog.Logger
}

var _ executor.Executor = (*Executor)(nil)

// New creates an OpenCTI executor.
func New(platform Platform, tracker *expectation.Tracker, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{platform: platform, tracker: tracker, logger: logger}
}

// Process implements executor.Executor. A failed call is recorded as an
// ERROR trace; expectations are only created when something was created.
func (x *Executor) Process(ctx context.Context, exec *execution.Execution, ei *execution.ExecutableInject) (execution.Process, error) {
	content, err := executor.DecodeContent[Content](ei)
	if err != nil {
		return execution.Process{}, err
	}

	kind := "Report"
	create := x.platform.CreateReport
	if ei.Inject.Contract != nil && ei.Inject.Contract.ID == ContractCreateCase {
		kind = "Case"
		create = x.platform.CreateCase
	}

	id, err := create(ctx, content.Name, content.Description)
	if err != nil {
		x.logger.Warn("opencti call failed", "inject_id", ei.ID(), "error", err)
		exec.AddTrace(execution.NewErrorTrace(err.Error(), execution.ActionComplete))
		return execution.Process{}, nil
	}
	exec.AddTrace(execution.NewSuccessTrace(fmt.Sprintf("%s created (%s)", kind, id), execution.ActionComplete, id))

	declared := expectation.Filter(content.Expectations, expectation.TypeManual)
	if _, err := x.tracker.BuildAndSave(ctx, ei, declared); err != nil {
		return execution.Process{}, fmt.Errorf("failed to save expectations: %w", err)
	}
	return execution.Process{}, nil
}
