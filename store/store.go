// Package store declares the persistence surface of the engine. Consumers
// depend on the narrow interfaces they need (expectation.Store,
// finding.Store, ...); this package groups them so that one backend can be
// checked against the whole set.
//
// Two backends exist: store/memory for tests and single-node runs, and
// store/postgres for production. Both enforce the uniqueness keys of
// expectations and findings, the version checks of every updated record and
// the one-run claim of inject statuses, and report violations as
// ErrConflict.
package store

import (
	"context"
	"time"

	injector "github.com/zero-day-ai/injector"
	"github.com/zero-day-ai/injector/execution"
	"github.com/zero-day-ai/injector/expectation"
	"github.com/zero-day-ai/injector/finding"
	"github.com/zero-day-ai/injector/types"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = injector.ErrNotFound

	// ErrConflict is returned when a uniqueness key or version check fails.
	ErrConflict = injector.ErrConflict
)

// TxRunner runs fn inside one transaction. Store calls made with the context
// passed to fn join the transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Injects reads injects and stamps their update time.
type Injects interface {
	// ExecutableInjects returns enabled injects of running simulations that
	// have not been dispatched yet.
	ExecutableInjects(ctx context.Context) ([]types.Inject, error)

	// AtomicTestInjects returns atomic tests that were triggered and are not
	// executing yet.
	AtomicTestInjects(ctx context.Context) ([]types.Inject, error)

	Inject(ctx context.Context, id string) (types.Inject, error)
	Injects(ctx context.Context, ids []string) ([]types.Inject, error)
	SaveInject(ctx context.Context, inj types.Inject) error
	TouchInject(ctx context.Context, id string, at time.Time) error
}

// Statuses persists inject statuses.
type Statuses interface {
	// LatestStatus returns the most recent non-test status of an inject.
	LatestStatus(ctx context.Context, injectID string) (*execution.InjectStatus, error)

	// CurrentStatus returns the most recent status of an inject, test runs
	// included.
	CurrentStatus(ctx context.Context, injectID string) (*execution.InjectStatus, error)

	Status(ctx context.Context, id string) (*execution.InjectStatus, error)

	// InsertStatus claims the inject for a new run. A non-test status is
	// refused with ErrConflict when the inject already has a non-test status
	// other than QUEUING, so only one dispatcher runs it.
	InsertStatus(ctx context.Context, s *execution.InjectStatus) error

	// UpdateStatus writes s if the stored version matches s.Version, and
	// bumps it. A stale version is ErrConflict.
	UpdateStatus(ctx context.Context, s *execution.InjectStatus) error
	PendingStatuses(ctx context.Context, injectType string) ([]*execution.InjectStatus, error)
	DeleteStatus(ctx context.Context, id string) error
}

// Directory reads the identity entities owned by the simulation platform.
type Directory interface {
	Exercise(ctx context.Context, id string) (types.Exercise, error)
	Teams(ctx context.Context, ids []string) ([]types.Team, error)
	Assets(ctx context.Context, ids []string) ([]types.Asset, error)
	AssetGroups(ctx context.Context, ids []string) ([]types.AssetGroup, error)
}

// Expectations persists expectations.
type Expectations = expectation.Store

// Findings persists findings.
type Findings = finding.Store

// Store is the full persistence surface.
type Store interface {
	Injects
	Statuses
	Directory
	Expectations
	Findings
	TxRunner
}
