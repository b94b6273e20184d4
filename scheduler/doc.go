// Package scheduler decides which injects are due and drives them to the
// dispatch layer.
//
// A Selector gathers two sources on every pass: injects of running
// simulations whose start offset has elapsed and whose parent dependencies
// are satisfied, and atomic tests that were triggered. Each source is sorted
// by the execution order (dependency depth, then due time, then id) and the
// two are concatenated. Dispatching an inject records a status, which
// removes it from the next selection, so overlapping passes are safe.
//
// The Driver dispatches a selection through a bounded worker pool, and
// RunEvery runs any periodic job, optionally only while this node holds
// leadership.
package scheduler
