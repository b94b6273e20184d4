// Package expectation tracks what an inject is expected to provoke (a
// detection, a prevention, a manual validation) and resolves each
// expectation to a score.
//
// The Tracker creates expectations scoped to the inject's resolved targets and
// records evidence from collectors. Rows are unique per (inject, target, type,
// name); concurrent creators race on the store's uniqueness and version
// checks, and losers merge into the winning row instead of failing.
//
// The ExpirationManager force-resolves expectations whose deadline passed
// without evidence, so every expectation eventually carries a score.
package expectation
