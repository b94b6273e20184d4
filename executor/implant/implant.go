// Package implant executes technical injects by starting an implant on
// every agent of the targeted assets. Agents are reached through the
// remote executor their asset is enrolled in; the implants report back
// through agent callbacks.
package implant

import (
	"context"
	"fmt"
	"log/slog"

	injector "github.com/zero-day-ai/injector"
	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/executor"
	"github.com/zero-day-ai/injector/expectation"
	"github.com/zero-day-ai/injector/types"
)

// Type is the injector type handled by this package.
const Type = "openbas_implant"

// Content is the payload of an implant inject.
type Content struct {
	Expectations []expectation.Declared `json:"expectations,omitempty"`
}

// Launcher starts the implant on one agent.
type Launcher interface {
	Launch(ctx context.Context, inj types.Inject, t execution.AgentTarget) error
}

// BatchLauncher starts the implant on many agents at once. It returns the
// agents reached and ERROR traces for the others.
type BatchLauncher interface {
	LaunchBatch(ctx context.Context, inj types.Inject, targets []execution.AgentTarget) ([]execution.AgentTarget, []execution.Trace)
}

// PullLauncher serves agents that fetch their jobs themselves. Nothing is
// sent; the job is picked up on the agent's next poll.
type PullLauncher struct{}

// Launch implements Launcher.
func (PullLauncher) Launch(context.Context, types.Inject, execution.AgentTarget) error {
	return nil
}

// Option configures an Executor.
type Option func(*Executor)

// WithLauncher registers the launcher used for agents of an executor type.
func WithLauncher(executorType string, l Launcher) Option {
	return func(x *Executor) {
		x.launchers[executorType] = l
	}
}

// WithCrowdStrike sets the batch launcher used for CrowdStrike agents.
func WithCrowdStrike(l BatchLauncher) Option {
	return func(x *Executor) {
		x.crowdstrike = l
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(x *Executor) {
		x.logger = logger
	}
}

// WithConcurrency bounds the number of per-agent launches in flight.
func WithConcurrency(n int) Option {
	return func(x *Executor) {
		if n > 0 {
			x.concurrency = n
		}
	}
}

// Executor handles implant injects.
type Executor struct {
	tracker     *expectation.Tracker
	launchers   map[string]Launcher
	crowdstrike BatchLauncher
	logger      *slog.Logger
	concurrency int
}

var _ executor.Executor = (*Executor)(nil)

// New creates an implant executor. Implant agents are served by a
// PullLauncher unless another launcher is registered for them.
func New(tracker *expectation.Tracker, opts ...Option) *Executor {
	x := &Executor{
		tracker:     tracker,
		launchers:   map[string]Launcher{types.ExecutorImplant: PullLauncher{}},
		logger:      slog.Default(),
		concurrency: 8,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Process implements executor.Executor. Inactive agents and agents without
// executor are traced and skipped, CrowdStrike agents are launched as one
// batch and the others one by one. Every launched agent gets a START trace;
// the status stays PENDING until each of them reports completion.
func (x *Executor) Process(ctx context.Context, exec *execution.Execution, ei *execution.ExecutableInject) (execution.Process, error) {
	content, err := executor.DecodeContent[Content](ei)
	if err != nil {
		return execution.Process{}, err
	}

	var batch, single []execution.AgentTarget
	for _, t := range ei.AllAgents() {
		switch {
		case !t.Agent.Active:
			exec.AddTrace(execution.NewAgentTrace(t.Agent.ID, execution.TraceAgentInactive, execution.ActionComplete,
				fmt.Sprintf("Agent %s is inactive for the asset %s", t.Agent.ExecutedByUser, t.Asset.Name)))
		case !t.Agent.HasExecutor():
			exec.AddTrace(noExecutor(t))
		case t.Agent.ExecutorType == types.ExecutorCrowdStrike:
			batch = append(batch, t)
		default:
			single = append(single, t)
		}
	}

	executed := x.launchBatch(ctx, exec, ei, batch)
	if x.launchEach(ctx, exec, ei, single) {
		executed++
	}
	if executed == 0 {
		return execution.Process{}, injector.NewExecutionError("implant.Process", injector.ErrNoAssetExecuted).
			WithContext(map[string]any{"inject_id": ei.ID()})
	}

	declared := expectation.Filter(content.Expectations,
		expectation.TypeDetection, expectation.TypePrevention, expectation.TypeVulnerability, expectation.TypeManual)
	if _, err := x.tracker.BuildAndSave(ctx, ei, declared); err != nil {
		return execution.Process{}, fmt.Errorf("failed to save expectations: %w", err)
	}
	return execution.Process{Async: true}, nil
}

// launchBatch starts the CrowdStrike agents and returns how many were
// reached.
func (x *Executor) launchBatch(ctx context.Context, exec *execution.Execution, ei *execution.ExecutableInject, targets []execution.AgentTarget) int {
	if len(targets) == 0 {
		return 0
	}
	if x.crowdstrike == nil {
		for _, t := range targets {
			exec.AddTrace(noExecutor(t))
		}
		return 0
	}

	launched, traces := x.crowdstrike.LaunchBatch(ctx, ei.Inject, targets)
	exec.AddTraces(traces...)
	for _, t := range launched {
		exec.AddTrace(started(t))
	}
	x.logger.Info("crowdstrike batch launched",
		"inject_id", ei.ID(),
		"agents", len(targets),
		"launched", len(launched),
	)
	return len(launched)
}

// launchEach starts the other agents concurrently and reports whether any
// was reached.
func (x *Executor) launchEach(ctx context.Context, exec *execution.Execution, ei *execution.ExecutableInject, targets []execution.AgentTarget) bool {
	if len(targets) == 0 {
		return false
	}
	id := func(t execution.AgentTarget) string { return t.Agent.ID }
	return executor.FanOut(ctx, exec, targets, id, x.concurrency, func(ctx context.Context, t execution.AgentTarget) (executor.Outcome, error) {
		l, ok := x.launchers[t.Agent.ExecutorType]
		if !ok {
			return executor.Outcome{Traces: []execution.Trace{noExecutor(t)}}, nil
		}
		if err := l.Launch(ctx, ei.Inject, t); err != nil {
			x.logger.Warn("agent launch failed",
				"inject_id", ei.ID(),
				"agent_id", t.Agent.ID,
				"executor", t.Agent.ExecutorType,
				"error", err,
			)
			return executor.Outcome{Traces: []execution.Trace{
				execution.NewAgentTrace(t.Agent.ID, execution.TraceError, execution.ActionComplete, err.Error()),
			}}, nil
		}
		return executor.Outcome{Traces: []execution.Trace{started(t)}, Effective: true}, nil
	})
}

func started(t execution.AgentTarget) execution.Trace {
	return execution.NewAgentTrace(t.Agent.ID, execution.TraceInfo, execution.ActionStart,
		fmt.Sprintf("Implant started on the asset %s", t.Asset.Name))
}

func noExecutor(t execution.AgentTarget) execution.Trace {
	return execution.NewAgentTrace(t.Agent.ID, execution.TraceError, execution.ActionComplete,
		fmt.Sprintf("Cannot find the executor for the agent %s from the asset %s", t.Agent.ExecutedByUser, t.Asset.Name))
}
