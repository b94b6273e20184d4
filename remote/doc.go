// Package remote is the shared HTTP envelope of the executors that talk to
// third-party back-ends (EDR consoles, SMS gateways, threat intel platforms,
// workflow engines).
//
// # Connections
//
// Every call opens its own connection: the transport disables keep-alives
// and requests carry "Connection: close". Transient failures (network errors,
// timeouts, 429 and 5xx responses) are retried a bounded number of times
// with exponential backoff; everything else fails immediately.
//
// # Errors
//
// Failures are reported as *Error, carrying the back-end, the operation, a
// code, the HTTP status when there was one, and a classification:
//
//	body, err := client.Do(ctx, "create_case", remote.Request{...})
//	var rerr *remote.Error
//	if errors.As(err, &rerr) && rerr.Class == remote.ErrorClassTransient {
//	    // the back-end may recover
//	}
//
// # Authentication
//
// TokenCache holds a bearer token and refreshes it once it is older than its
// TTL. Refreshes are serialized per cache, so concurrent callers trigger a
// single fetch.
package remote
