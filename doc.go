// Package injector holds the error model shared by the inject orchestration
// engine.
//
// The engine decides which injects of a running simulation (or which
// triggered atomic tests) are due, resolves their targets, dispatches them to
// the executor registered for their injector type, and tracks the
// expectations and findings that agents report back.
//
// # Layout
//
// The engine is split into packages that depend on narrow interfaces:
//
//   - types, execution: the domain records (injects, statuses, traces)
//   - target: team, asset and asset group resolution
//   - scheduler: due-inject selection, the dispatch driver and test runs
//   - executor: the registry, the dispatcher and one sub-package per platform
//   - expectation, finding: result tracking and the expiry sweep
//   - callback: agent callback ingestion over HTTP, NATS and workflow polling
//   - store: persistence, with memory and postgres backends
//   - api, node, cmd/injectord: the outer surfaces and process wiring
//
// # Errors
//
// Every package reports failures through *Error, which carries a Kind so that
// callers can branch without string matching:
//
//	if injector.KindOf(err) == injector.KindValidation {
//		// reject the request
//	}
//
// Sentinels such as ErrNotFound and ErrConflict work with errors.Is, both on
// their own and when wrapped by an *Error of the matching kind.
package injector
