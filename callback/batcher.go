package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	injector "github.com/zero-day-ai/injector"
	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/finding"
	"github.com/zero-day-ai/injector/types"
)

// Store is the persistence used to apply callbacks.
type Store interface {
	// CurrentStatus returns the latest status of an inject, test runs
	// included: agents report to whichever run started them.
	CurrentStatus(ctx context.Context, injectID string) (*execution.InjectStatus, error)
	execution.StatusWriter
	Inject(ctx context.Context, id string) (types.Inject, error)
	TouchInject(ctx context.Context, id string, at time.Time) error
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Batcher) {
		b.logger = logger
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Batcher) {
		b.now = now
	}
}

// WithBatchSize sets how many buffered callbacks trigger an early flush and
// how many are drained per round. Default 500.
func WithBatchSize(n int) Option {
	return func(b *Batcher) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithInterval sets the flush period. Default 1s.
func WithInterval(d time.Duration) Option {
	return func(b *Batcher) {
		if d > 0 {
			b.interval = d
		}
	}
}

// WithReplayWindow sets how many callback keys are remembered to drop
// replays. Default 10000.
func WithReplayWindow(n int) Option {
	return func(b *Batcher) {
		if n > 0 {
			b.replayWindow = n
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(b *Batcher) {
		b.metrics = m
	}
}

// Batcher ingests agent callbacks and applies them in batches.
type Batcher struct {
	buffer   Buffer
	store    Store
	findings *finding.Recorder
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time

	batchSize    int
	interval     time.Duration
	replayWindow int

	seen    *lru.Cache[string, struct{}]
	pending atomic.Int64
	wake    chan struct{}
	flushMu sync.Mutex
}

// NewBatcher creates a Batcher. findings may be nil, in which case
// structured outputs are ignored.
func NewBatcher(buffer Buffer, store Store, findings *finding.Recorder, opts ...Option) (*Batcher, error) {
	b := &Batcher{
		buffer:       buffer,
		store:        store,
		findings:     findings,
		logger:       slog.Default(),
		now:          time.Now,
		batchSize:    500,
		interval:     time.Second,
		replayWindow: 10000,
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = NewMetrics(nil)
	}

	seen, err := lru.New[string, struct{}](b.replayWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to create replay cache: %w", err)
	}
	b.seen = seen
	return b, nil
}

// Ingest validates a callback and buffers it. Replays of a callback already
// seen are dropped silently.
func (b *Batcher) Ingest(ctx context.Context, source string, cb Callback) error {
	if err := cb.Validate(); err != nil {
		b.metrics.Rejected.Inc()
		return err
	}
	key := cb.Key()
	if found, _ := b.seen.ContainsOrAdd(key, struct{}{}); found {
		b.metrics.Duplicates.Inc()
		b.logger.Debug("duplicate callback dropped", "inject_id", cb.InjectID, "agent_id", cb.AgentID)
		return nil
	}
	if err := b.buffer.Push(ctx, source, cb); err != nil {
		b.seen.Remove(key)
		return injector.NewInternalError("Batcher.Ingest", fmt.Errorf("failed to buffer callback: %w", err))
	}
	b.metrics.Received.WithLabelValues(source).Inc()

	if b.pending.Add(1) >= int64(b.batchSize) {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run flushes every interval, or earlier when a full batch is buffered,
// until ctx is done. A last flush runs on the way out.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if _, err := b.Flush(context.WithoutCancel(ctx)); err != nil {
				b.logger.Error("final callback flush failed", "error", err)
			}
			return
		case <-ticker.C:
		case <-b.wake:
		}
		if _, err := b.Flush(ctx); err != nil {
			b.logger.Error("callback flush failed", "error", err)
		}
	}
}

// Flush drains the buffer and applies every callback. It returns how many
// callbacks were applied. Failures of one inject do not stop the others; the
// callbacks of an inject that could not be applied go back to the buffer for
// the next flush.
func (b *Batcher) Flush(ctx context.Context) (int, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	start := b.now()
	defer func() {
		b.metrics.FlushDuration.Observe(b.now().Sub(start).Seconds())
	}()

	applied := 0
	var (
		errs   []error
		failed []Callback
	)
	defer func() {
		b.requeue(ctx, failed)
	}()
	for {
		batch, err := b.buffer.Drain(ctx, b.batchSize)
		if err != nil {
			return applied, errors.Join(append(errs, fmt.Errorf("failed to drain callbacks: %w", err))...)
		}
		if len(batch) == 0 {
			return applied, errors.Join(errs...)
		}
		b.pending.Add(-int64(len(batch)))
		if b.pending.Load() < 0 {
			b.pending.Store(0)
		}

		for _, g := range group(batch) {
			n, err := b.apply(ctx, g)
			applied += n
			if err != nil {
				errs = append(errs, err)
				failed = append(failed, g.callbacks()...)
			}
		}
		if len(batch) < b.batchSize {
			return applied, errors.Join(errs...)
		}
	}
}

// requeue pushes callbacks back to the buffer. A callback that cannot be
// pushed is forgotten by the replay window so that the agent may resend it.
func (b *Batcher) requeue(ctx context.Context, cbs []Callback) {
	if len(cbs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, cb := range cbs {
		if err := b.buffer.Push(ctx, sourceRetry, cb); err != nil {
			b.seen.Remove(cb.Key())
			b.logger.Error("failed to requeue callback, dropped",
				"inject_id", cb.InjectID,
				"agent_id", cb.AgentID,
				"error", err,
			)
			continue
		}
		b.pending.Add(1)
		b.metrics.Requeued.Inc()
	}
	b.logger.Warn("callbacks requeued", "count", len(cbs))
}

// injectGroup is the callbacks of one inject, split by agent in arrival
// order.
type injectGroup struct {
	injectID string
	agents   []string
	byAgent  map[string][]Callback
}

// sourceRetry labels callbacks pushed back after a failed apply.
const sourceRetry = "retry"

func (g *injectGroup) callbacks() []Callback {
	var out []Callback
	for _, agentID := range g.agents {
		out = append(out, g.byAgent[agentID]...)
	}
	return out
}

func group(batch []Callback) []*injectGroup {
	var order []*injectGroup
	index := make(map[string]*injectGroup)
	for _, cb := range batch {
		g, ok := index[cb.InjectID]
		if !ok {
			g = &injectGroup{injectID: cb.InjectID, byAgent: make(map[string][]Callback)}
			index[cb.InjectID] = g
			order = append(order, g)
		}
		if _, ok := g.byAgent[cb.AgentID]; !ok {
			g.agents = append(g.agents, cb.AgentID)
		}
		g.byAgent[cb.AgentID] = append(g.byAgent[cb.AgentID], cb)
	}
	return order
}

// apply writes the traces of one inject group to its current status, once.
func (b *Batcher) apply(ctx context.Context, g *injectGroup) (int, error) {
	st, err := b.store.CurrentStatus(ctx, g.injectID)
	if errors.Is(err, injector.ErrNotFound) {
		n := 0
		for _, cbs := range g.byAgent {
			n += len(cbs)
		}
		b.metrics.Orphaned.Add(float64(n))
		b.logger.Warn("callbacks for inject without status dropped", "inject_id", g.injectID, "callbacks", n)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load status of inject %s: %w", g.injectID, err)
	}

	var (
		traces     []execution.Trace
		structured []Callback
	)
	for _, agentID := range g.agents {
		for _, cb := range g.byAgent[agentID] {
			t, err := cb.Trace()
			if err != nil {
				b.logger.Warn("invalid buffered callback dropped", "inject_id", g.injectID, "agent_id", agentID, "error", err)
				continue
			}
			traces = append(traces, t)
			if len(cb.Input.OutputStructured) > 0 && cb.AssetID != "" {
				structured = append(structured, cb)
			}
		}
	}
	if len(traces) == 0 {
		return 0, nil
	}

	now := b.now()
	completed := false
	st, err = execution.Update(ctx, b.store, st, func(cur *execution.InjectStatus) {
		cur.AddTraces(traces...)
		cur.UpdatedAt = now
		completed = cur.Refresh(now)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to save status of inject %s: %w", g.injectID, err)
	}
	if completed {
		b.logger.Info("inject run completed",
			"inject_id", g.injectID,
			"status_id", st.ID,
			"status", st.Name,
		)
	}
	applied := len(traces)
	if err := b.store.TouchInject(ctx, g.injectID, now); err != nil {
		b.logger.Warn("failed to touch inject", "inject_id", g.injectID, "error", err)
	}
	b.metrics.Applied.Add(float64(applied))

	b.recordFindings(ctx, g.injectID, structured)
	return applied, nil
}

func (b *Batcher) recordFindings(ctx context.Context, injectID string, cbs []Callback) {
	if b.findings == nil || len(cbs) == 0 {
		return
	}
	inj, err := b.store.Inject(ctx, injectID)
	if err != nil {
		b.logger.Warn("failed to load inject for findings", "inject_id", injectID, "error", err)
		return
	}
	if inj.Contract == nil || len(inj.Contract.Outputs) == 0 {
		return
	}
	for _, cb := range cbs {
		if _, err := b.findings.RecordOutput(ctx, injectID, cb.AssetID, inj.Contract.Outputs, cb.Input.OutputStructured); err != nil {
			b.logger.Warn("failed to record findings",
				"inject_id", injectID,
				"agent_id", cb.AgentID,
				"error", err,
			)
		}
	}
}
