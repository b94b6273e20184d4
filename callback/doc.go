// Package callback collects the outcome of asynchronous inject runs.
//
// Agents report each phase of an implant run as a callback. The Batcher
// buffers callbacks (in Redis, or in memory for single-node runs), drops
// replays, and periodically applies them to inject statuses grouped by
// inject and agent. Callbacks arrive over HTTP (see package api) or over
// NATS through the Subscriber.
//
// Remote workflows that cannot call back are followed by the
// WorkflowListener, which polls their backend until they finish.
package callback
