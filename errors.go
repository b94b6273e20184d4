package injector

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Sentinel errors for conditions shared across the engine.
// These errors can be used with errors.Is() for error checking.
var (
	// ErrNotFound indicates that a persisted record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates that a uniqueness constraint or optimistic version
	// check rejected a write. Callers merge into the existing row and retry.
	ErrConflict = errors.New("conflict")

	// ErrInvalidConfig indicates the provided configuration is invalid or incomplete.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnsupportedInjection indicates an injection variant the engine cannot
	// resolve targets for.
	ErrUnsupportedInjection = errors.New("unsupported injection type")

	// ErrInjectDisabled indicates an inject that must never be dispatched.
	ErrInjectDisabled = errors.New("inject is disabled")

	// ErrSimulationNotRunning indicates the owning simulation is not running.
	ErrSimulationNotRunning = errors.New("simulation is not running")

	// ErrMissingContract indicates an inject without an injector contract.
	ErrMissingContract = errors.New("inject has no injector contract")

	// ErrExecutorNotFound indicates that no executor is registered for an
	// injector type.
	ErrExecutorNotFound = errors.New("executor not found")

	// ErrInvalidContent indicates inject content rejected by the contract schema.
	ErrInvalidContent = errors.New("invalid inject content")

	// ErrNoAssetExecuted indicates that a remote command dispatch reached no agent.
	ErrNoAssetExecuted = errors.New("no asset executed")

	// ErrNotTestRun indicates an attempt to delete a status that is not a test run.
	ErrNotTestRun = errors.New("status is not a test run")
)

// Error kinds categorize errors by their type.
const (
	// KindNotFound represents errors where a resource was not found.
	KindNotFound = "not_found"

	// KindValidation represents errors related to input validation.
	KindValidation = "validation"

	// KindExecution represents errors that occur while an executor runs.
	KindExecution = "execution"

	// KindConfiguration represents misconfigured injects, contracts or executors.
	KindConfiguration = "configuration"

	// KindNetwork represents errors talking to a remote backend.
	KindNetwork = "network"

	// KindConflict represents concurrent writes on the same logical row.
	KindConflict = "conflict"

	// KindInternal represents engine bugs, such as an unknown injection variant.
	KindInternal = "internal"
)

// Error is a structured error type that wraps underlying errors with
// additional context about the operation that failed and the category of error.
//
// Error implements the error interface and supports error unwrapping,
// making it compatible with errors.Is() and errors.As().
//
// Example usage:
//
//	err := &injector.Error{
//		Op:   "Dispatcher.Dispatch",
//		Kind: injector.KindConfiguration,
//		Err:  injector.ErrMissingContract,
//	}
type Error struct {
	// Op is the operation that failed (e.g., "Resolver.Users", "Tracker.BuildAndSave").
	Op string

	// Kind categorizes the error (e.g., KindNotFound, KindConfiguration).
	Kind string

	// Err is the underlying error that caused this error.
	Err error

	// Context carries identifiers of the offending inject, agent or expectation.
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("injector: %s: %s", e.Op, e.Kind)
	}

	if len(e.Context) > 0 {
		return fmt.Sprintf("injector: %s (%s): %v [context: %+v]", e.Op, e.Kind, e.Err, e.Context)
	}

	return fmt.Sprintf("injector: %s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind (and Op when the target sets one), then
// falls back to the wrapped error.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if t, ok := target.(*Error); ok {
		if t.Kind != "" && e.Kind == t.Kind {
			if t.Op == "" || e.Op == t.Op {
				return true
			}
		}
	}

	return errors.Is(e.Err, target)
}

// WithContext returns a copy of the error with the provided context merged in.
//
// Example:
//
//	err := injector.NewConfigurationError("Dispatcher.Dispatch", injector.ErrMissingContract).
//		WithContext(map[string]any{"inject_id": inj.ID})
func (e *Error) WithContext(ctx map[string]any) *Error {
	newErr := *e
	newErr.Context = make(map[string]any, len(e.Context)+len(ctx))
	for k, v := range e.Context {
		newErr.Context[k] = v
	}
	for k, v := range ctx {
		newErr.Context[k] = v
	}
	return &newErr
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// NewNotFoundError creates a new Error with KindNotFound.
func NewNotFoundError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindNotFound, Err: err}
}

// NewValidationError creates a new Error with KindValidation.
func NewValidationError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindValidation, Err: err}
}

// NewExecutionError creates a new Error with KindExecution.
func NewExecutionError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindExecution, Err: err}
}

// NewConfigurationError creates a new Error with KindConfiguration.
func NewConfigurationError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindConfiguration, Err: err}
}

// NewNetworkError creates a new Error with KindNetwork.
func NewNetworkError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindNetwork, Err: err}
}

// NewConflictError creates a new Error with KindConflict.
func NewConflictError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindConflict, Err: err}
}

// NewInternalError creates a new Error with KindInternal.
func NewInternalError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindInternal, Err: err}
}

// CloseWithLog closes the given closer and logs any error that occurs.
// This is useful in defer statements where close errors would otherwise be silently ignored.
//
// Example:
//
//	defer injector.CloseWithLog(conn, logger, "nats connection")
func CloseWithLog(closer io.Closer, logger *slog.Logger, name string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("failed to close resource",
			"resource", name,
			"error", err,
		)
	}
}
