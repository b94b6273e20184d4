// Package execution holds the per-dispatch state of an inject: the execution
// log that executors append traces to, the inject status those traces fold
// into, and the executable inject handed to executors.
//
// An Execution is safe for concurrent use; executors that fan out across
// targets append from many goroutines. An InjectStatus is a plain value owned
// by whoever loaded it from the store.
package execution
