// Package lade executes injects that start a workflow on a Lade automation
// server. The run completes asynchronously; its outcome is collected by
// polling.
package lade

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/executor"
	"github.com/zero-day-ai/injector/expectation"
)

// Type is the injector type handled by this package.
const Type = "openbas_lade"

// Content is the payload of a Lade inject.
type Content struct {
	Bundle       string                 `json:"bundle"`
	Workflow     string                 `json:"workflow"`
	Arguments    map[string]any         `json:"arguments,omitempty"`
	Expectations []expectation.Declared `json:"expectations,omitempty"`
}

// Workflows starts remote workflows.
type Workflows interface {
	StartWorkflow(ctx context.Context, bundle, workflow string, arguments map[string]any) (string, error)
}

// Executor handles Lade injects.
type Executor struct {
	workflows Workflows
	tracker   *expectation.Tracker
	logger    *slog.Logger
}

var _ executor.Executor = (*Executor)(nil)

// New creates a Lade executor.
func New(workflows Workflows, tracker *expectation.Tracker, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{workflows: workflows, tracker: tracker, logger: logger}
}

// Process implements executor.Executor. A started workflow leaves the
// status PENDING with the workflow id as its first identifier.
func (x *Executor) Process(ctx context.Context, exec *execution.Execution, ei *execution.ExecutableInject) (execution.Process, error) {
	content, err := executor.DecodeContent[Content](ei)
	if err != nil {
		return execution.Process{}, err
	}

	id, err := x.workflows.StartWorkflow(ctx, content.Bundle, content.Workflow, content.Arguments)
	if err != nil {
		x.logger.Warn("lade workflow start failed", "inject_id", ei.ID(), "error", err)
		exec.AddTrace(execution.NewErrorTrace(err.Error(), execution.ActionComplete))
		return execution.Process{}, nil
	}
	exec.AddTrace(execution.NewInfoTrace(fmt.Sprintf("Lade workflow %s started", id), execution.ActionStart, id))

	declared := expectation.Filter(content.Expectations, expectation.TypeManual)
	if _, err := x.tracker.BuildAndSave(ctx, ei, declared); err != nil {
		return execution.Process{}, fmt.Errorf("failed to save expectations: %w", err)
	}
	return execution.Process{Async: true}, nil
}
