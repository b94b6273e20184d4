// Package executor dispatches executable injects to the back-end that
// handles their injector type and records the outcome.
//
// Executors implement a single method, Process, which appends traces to the
// shared execution and reports whether the run completes asynchronously. The
// Dispatcher wraps every call: it enforces the preconditions, validates the
// inject content against the contract's JSON schema, isolates panics, folds
// the traces into the inject status and records telemetry.
//
// Executors reaching several targets use FanOut so that one failing target
// produces an ERROR trace scoped to that target instead of aborting the run.
package executor
