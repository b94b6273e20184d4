package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	injector "github.com/zero-day-ai/injector"
	"github.com/zero-day-ai/injector/execution"
)

// StatusStore persists inject statuses. InsertStatus returns
// injector.ErrConflict when another dispatcher already claimed the inject.
type StatusStore interface {
	execution.StatusWriter
	InsertStatus(ctx context.Context, s *execution.InjectStatus) error
}

// Dispatcher runs executable injects through the registry.
type Dispatcher struct {
	registry  *Registry
	statuses  StatusStore
	validator *SchemaValidator
	logger    *slog.Logger
	now       func() time.Time

	tracer  trace.Tracer
	meter   metric.Meter
	metrics *dispatchMetrics
}

// dispatchMetrics holds the instruments recorded per dispatch.
type dispatchMetrics struct {
	count    metric.Int64Counter
	duration metric.Float64Histogram
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithValidator sets the content validator.
func WithValidator(v *SchemaValidator) Option {
	return func(d *Dispatcher) {
		d.validator = v
	}
}

// WithOTel records a span and metrics for every dispatch. Either argument
// may be nil.
func WithOTel(tracer trace.Tracer, meter metric.Meter) Option {
	return func(d *Dispatcher) {
		d.tracer = tracer
		d.meter = meter
	}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(registry *Registry, statuses StatusStore, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		registry:  registry,
		statuses:  statuses,
		validator: NewSchemaValidator(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.meter != nil {
		m := &dispatchMetrics{}
		var err error
		m.count, err = d.meter.Int64Counter(
			"injector.dispatch.count",
			metric.WithDescription("Number of inject dispatches by resulting status"),
			metric.WithUnit("1"),
		)
		if err != nil {
			return nil, fmt.Errorf("create dispatch counter: %w", err)
		}
		m.duration, err = d.meter.Float64Histogram(
			"injector.dispatch.duration",
			metric.WithDescription("Inject dispatch duration in milliseconds"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			return nil, fmt.Errorf("create dispatch duration histogram: %w", err)
		}
		d.metrics = m
	}
	return d, nil
}

// Dispatch runs ei. Preconditions that forbid the dispatch return an error
// and record nothing. Otherwise the EXECUTING status is inserted before the
// executor runs, which claims the inject: when another dispatcher holds it,
// Dispatch returns an injector.ErrConflict error without running anything.
// Once the executor returns, its traces are folded into the stored status,
// next to any callbacks applied meanwhile. The returned error is the
// executor's failure, already recorded as an ERROR trace.
func (d *Dispatcher) Dispatch(ctx context.Context, ei *execution.ExecutableInject) (*execution.InjectStatus, error) {
	if err := d.check(ei); err != nil {
		return nil, err
	}

	inj := ei.Inject
	logger := d.logger.With(
		"inject_id", inj.ID,
		"executor", inj.InjectorType(),
		"test", ei.Test,
	)
	started := d.now()

	var span trace.Span
	if d.tracer != nil {
		ctx, span = d.tracer.Start(ctx, "injector.dispatch")
		defer span.End()
		span.SetAttributes(
			attribute.String("inject.id", inj.ID),
			attribute.String("inject.type", inj.InjectorType()),
			attribute.Bool("inject.test", ei.Test),
		)
	}

	st := execution.NewInjectStatus(inj, ei.Test, started)
	if err := d.statuses.InsertStatus(ctx, st); err != nil {
		if errors.Is(err, injector.ErrConflict) {
			return nil, injector.NewConflictError("Dispatcher.Dispatch", err).
				WithContext(map[string]any{"inject_id": inj.ID})
		}
		return nil, fmt.Errorf("failed to save executing status: %w", err)
	}

	exec := execution.New()
	proc, runErr := d.run(ctx, exec, ei, logger)
	if runErr != nil {
		exec.AddTrace(execution.NewErrorTrace(runErr.Error(), execution.ActionComplete))
		proc = execution.Process{}
	}

	saved, err := execution.Update(ctx, d.statuses, st, func(cur *execution.InjectStatus) {
		cur.Finalize(exec, proc, d.now())
	})
	if err != nil {
		return st, fmt.Errorf("failed to save status: %w", err)
	}
	st = saved

	logger.Info("inject dispatched",
		"status", st.Name,
		"traces", len(st.Traces),
		"async", proc.Async,
	)
	d.record(ctx, span, st, d.now().Sub(started), runErr)
	return st, runErr
}

// check enforces the conditions under which an inject is never dispatched.
// Test runs skip the running-simulation check.
func (d *Dispatcher) check(ei *execution.ExecutableInject) error {
	const op = "Dispatcher.Dispatch"
	inj := ei.Inject
	details := map[string]any{"inject_id": inj.ID}

	if !inj.Enabled {
		return injector.NewConfigurationError(op, injector.ErrInjectDisabled).WithContext(details)
	}
	if inj.Contract == nil {
		return injector.NewConfigurationError(op, injector.ErrMissingContract).WithContext(details)
	}
	if !ei.Test && !ei.Atomic && (ei.Exercise == nil || !ei.Exercise.IsRunning()) {
		return injector.NewConfigurationError(op, injector.ErrSimulationNotRunning).WithContext(details)
	}
	return nil
}

func (d *Dispatcher) run(ctx context.Context, exec *execution.Execution, ei *execution.ExecutableInject, logger *slog.Logger) (execution.Process, error) {
	x, err := d.registry.Lookup(ei.InjectorType())
	if err != nil {
		return execution.Process{}, err
	}
	if err := d.validator.Validate(*ei.Inject.Contract, ei.Inject.Content); err != nil {
		return execution.Process{}, err
	}
	return invoke(ctx, x, exec, ei, logger)
}

func invoke(ctx context.Context, x Executor, exec *execution.Execution, ei *execution.ExecutableInject, logger *slog.Logger) (proc execution.Process, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("executor panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = injector.NewExecutionError("Dispatcher.Dispatch", fmt.Errorf("executor panicked: %v", r)).
				WithContext(map[string]any{"inject_id": ei.ID()})
		}
	}()
	return x.Process(ctx, exec, ei)
}

func (d *Dispatcher) record(ctx context.Context, span trace.Span, st *execution.InjectStatus, elapsed time.Duration, runErr error) {
	if span != nil {
		span.SetAttributes(
			attribute.String("inject.status", string(st.Name)),
			attribute.Int("inject.traces", len(st.Traces)),
		)
		if runErr != nil {
			span.RecordError(runErr)
			span.SetStatus(codes.Error, runErr.Error())
		} else {
			span.SetStatus(codes.Ok, string(st.Name))
		}
	}

	if d.metrics == nil {
		return
	}
	opts := metric.WithAttributes(
		attribute.String("inject.type", st.InjectType),
		attribute.String("inject.status", string(st.Name)),
	)
	d.metrics.count.Add(ctx, 1, opts)
	d.metrics.duration.Record(ctx, float64(elapsed.Milliseconds()), opts)
}
