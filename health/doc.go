// Package health checks the reachability of the injector's backends.
//
// Each backend (Redis callback buffer, PostgreSQL store, etcd registry, NATS)
// contributes a named Check. A Checker runs them with a per-check timeout and
// folds the results with Combine:
//
//   - Unhealthy: any check is unhealthy
//   - Degraded: any check is degraded and none unhealthy
//   - Healthy: every check is healthy
//
// The combined status is served over HTTP (Checker is an http.Handler
// mounted on /healthz) and mirrored into a gRPC health server by SyncGRPC.
package health
