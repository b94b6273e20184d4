package finding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	injector "github.com/zero-day-ai/injector"
	"github.com/zero-day-ai/injector/types"
)

// Store persists findings. InsertFinding returns injector.ErrConflict when the
// key already exists and UpdateFinding when the version moved.
type Store interface {
	FindFinding(ctx context.Context, key Key) (*Finding, error)
	InsertFinding(ctx context.Context, f *Finding) error
	UpdateFinding(ctx context.Context, f *Finding) error
	FindingsByInject(ctx context.Context, injectID string) ([]*Finding, error)
}

// Recorder creates findings and attaches assets to them.
type Recorder struct {
	store       Store
	logger      *slog.Logger
	now         func() time.Time
	maxAttempts int
	backoff     time.Duration
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithLogger sets the recorder logger.
func WithLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithRetry bounds the merge-and-retry loop.
func WithRetry(attempts int, backoff time.Duration) RecorderOption {
	return func(r *Recorder) {
		if attempts > 0 {
			r.maxAttempts = attempts
		}
		if backoff > 0 {
			r.backoff = backoff
		}
	}
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:       store,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: 8,
		backoff:     5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record attaches assetID to the finding (inject, value, element) and creates
// the finding when it does not exist yet. Concurrent calls for the same key
// converge on one row holding every asset.
func (r *Recorder) Record(ctx context.Context, injectID, assetID string, el types.ContractOutputElement, value string) (*Finding, error) {
	key := Key{InjectID: injectID, Value: value, Type: el.Type, Field: el.Key}

	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := r.wait(ctx, attempt); err != nil {
				return nil, err
			}
		}

		existing, err := r.store.FindFinding(ctx, key)
		switch {
		case err == nil:
			if !existing.AddAsset(assetID) {
				return existing, nil
			}
			existing.UpdatedAt = r.now()
			err = r.store.UpdateFinding(ctx, existing)
			if err == nil {
				return existing, nil
			}

		case errors.Is(err, injector.ErrNotFound):
			now := r.now()
			f := &Finding{
				ID:        uuid.New().String(),
				InjectID:  injectID,
				Field:     el.Key,
				Name:      el.Name,
				Type:      el.Type,
				Value:     value,
				Tags:      append([]string(nil), el.Tags...),
				CreatedAt: now,
				UpdatedAt: now,
			}
			f.AddAsset(assetID)
			err = r.store.InsertFinding(ctx, f)
			if err == nil {
				return f, nil
			}

		default:
			return nil, fmt.Errorf("failed to look up finding: %w", err)
		}

		if !errors.Is(err, injector.ErrConflict) {
			return nil, fmt.Errorf("failed to save finding: %w", err)
		}
		lastErr = err
		r.logger.Info("race condition: finding already exists, retrying",
			"inject_id", injectID,
			"field", el.Key,
			"asset_id", assetID,
			"attempt", attempt+1,
		)
	}

	return nil, injector.NewConflictError("Recorder.Record", lastErr).WithContext(map[string]any{
		"inject_id": injectID,
		"field":     el.Key,
	})
}

// RecordOutput parses structured agent output and records every finding it
// declares for the asset.
func (r *Recorder) RecordOutput(ctx context.Context, injectID, assetID string, elements []types.ContractOutputElement, structured []byte) ([]*Finding, error) {
	values, err := Parse(elements, structured)
	if err != nil {
		return nil, err
	}

	var out []*Finding
	for _, v := range values {
		f, err := r.Record(ctx, injectID, assetID, v.Element, v.Value)
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (r *Recorder) wait(ctx context.Context, attempt int) error {
	d := r.backoff * time.Duration(attempt)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
