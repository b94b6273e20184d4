package expectation

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TxRunner runs fn inside one transaction; an error from fn rolls back every
// write fn made through the context it was given.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ExpiryRecorder receives the number of expectations resolved by a sweep.
type ExpiryRecorder interface {
	RecordExpired(ctx context.Context, n int)
}

// ExpirationSource is the result source stamped on force-resolved rows.
var ExpirationSource = Source{
	ID:   "expectations-expiration-manager",
	Type: "expiration-manager",
	Name: "Expectations Expiration Manager",
}

const defaultPageSize = 500

// ExpirationManager fails expectations whose deadline passed without a score.
type ExpirationManager struct {
	tracker  *Tracker
	tx       TxRunner
	pageSize int
	logger   *slog.Logger
	recorder ExpiryRecorder
}

// ExpirationOption configures an ExpirationManager.
type ExpirationOption func(*ExpirationManager)

// WithPageSize sets how many rows one pass loads.
func WithPageSize(n int) ExpirationOption {
	return func(m *ExpirationManager) {
		if n > 0 {
			m.pageSize = n
		}
	}
}

// WithExpirationLogger sets the manager logger.
func WithExpirationLogger(logger *slog.Logger) ExpirationOption {
	return func(m *ExpirationManager) {
		m.logger = logger
	}
}

// WithExpiryRecorder reports resolved counts to a metrics sink.
func WithExpiryRecorder(r ExpiryRecorder) ExpirationOption {
	return func(m *ExpirationManager) {
		m.recorder = r
	}
}

// NewExpirationManager creates a manager resolving through tracker.
func NewExpirationManager(tracker *Tracker, tx TxRunner, opts ...ExpirationOption) *ExpirationManager {
	m := &ExpirationManager{
		tracker:  tracker,
		tx:       tx,
		pageSize: defaultPageSize,
		logger:   tracker.logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sweep resolves every expired, unscored expectation as a failure. The whole
// sweep is one transaction. It returns how many rows it resolved.
func (m *ExpirationManager) Sweep(ctx context.Context) (int, error) {
	var total int
	err := m.tx.InTx(ctx, func(ctx context.Context) error {
		total = 0
		for {
			now := m.tracker.now()
			page, err := m.tracker.store.ExpectationsNotFilled(ctx, now, m.pageSize)
			if err != nil {
				return fmt.Errorf("failed to load expired expectations: %w", err)
			}
			if len(page) == 0 {
				return nil
			}

			resolved, err := m.sweepPage(ctx, page, now)
			if err != nil {
				return err
			}
			total += resolved

			// Every row of a page is expired, so a pass that resolves nothing
			// would return the same page forever.
			if resolved == 0 {
				m.logger.Warn("expiration pass made no progress", "page", len(page))
				return nil
			}
		}
	})
	if err != nil {
		return 0, err
	}

	if total > 0 {
		m.logger.Info("expired expectations", "count", total)
		if m.recorder != nil {
			m.recorder.RecordExpired(ctx, total)
		}
	}
	return total, nil
}

func (m *ExpirationManager) sweepPage(ctx context.Context, page []*Expectation, now time.Time) (int, error) {
	resolved := 0
	latest := make(map[string]*Expectation, len(page))

	for _, e := range page {
		if e.Scope() != ScopeAgent || e.IsFilled() || !e.IsExpired(now) {
			continue
		}
		e.expireEmptyResults()
		written, err := m.tracker.ComputeTechnical(ctx, e, ExpirationSource, Input{
			Success: false,
			Result:  FailedMessage(e.Type),
		})
		if err != nil {
			return resolved, fmt.Errorf("failed to expire agent expectation %s: %w", e.ID, err)
		}
		for _, w := range written {
			latest[w.ID] = w
		}
		resolved++
	}

	var batch []*Expectation
	for _, e := range page {
		if e.Scope() == ScopeAgent {
			continue
		}
		current := e
		if w, ok := latest[e.ID]; ok {
			current = w
		}
		if current.IsFilled() || !current.IsExpired(now) {
			continue
		}

		current.expireEmptyResults()
		in := Input{Success: false, Result: FailedMessage(current.Type)}
		if current.Type.IsHuman() {
			m.tracker.ComputeHumanResponse(current, ExpirationSource, in)
		} else {
			m.tracker.ComputeAgentOrAssetAgentless(current, ExpirationSource, in)
		}
		batch = append(batch, current)
	}

	if len(batch) > 0 {
		if err := m.tracker.store.UpdateExpectations(ctx, batch); err != nil {
			return resolved, fmt.Errorf("failed to save expired expectations: %w", err)
		}
		resolved += len(batch)
	}
	return resolved, nil
}
