package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// PingFunc pings one backend. redis.Client.Ping(ctx).Err, sql.DB.PingContext
// and similar fit directly.
type PingFunc func(ctx context.Context) error

// Check is a named backend ping.
type Check struct {
	Name string
	Ping PingFunc

	// Optional checks report degraded instead of unhealthy on failure.
	Optional bool
}

// PingCheck runs one check.
func PingCheck(ctx context.Context, c Check) Status {
	if c.Ping == nil {
		return Unhealthy(fmt.Sprintf("%s: no ping configured", c.Name), nil)
	}
	start := time.Now()
	if err := c.Ping(ctx); err != nil {
		details := map[string]any{"backend": c.Name, "error": err.Error()}
		msg := fmt.Sprintf("%s unreachable", c.Name)
		if c.Optional {
			return Degraded(msg, details)
		}
		return Unhealthy(msg, details)
	}
	return Healthy(fmt.Sprintf("%s reachable in %s", c.Name, time.Since(start).Round(time.Millisecond)))
}

// NetworkCheck verifies TCP connectivity to host:port. A nil ctx gets a
// 5 second timeout.
func NetworkCheck(ctx context.Context, host string, port int) Status {
	if host == "" {
		return Unhealthy("host cannot be empty", nil)
	}
	if port <= 0 || port > 65535 {
		return Unhealthy(fmt.Sprintf("invalid port number: %d", port), map[string]any{"port": port})
	}

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	address := net.JoinHostPort(host, strconv.Itoa(port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return Unhealthy(fmt.Sprintf("failed to connect to %s", address), map[string]any{
			"host":  host,
			"port":  port,
			"error": err.Error(),
		})
	}
	conn.Close()
	return Healthy(fmt.Sprintf("successfully connected to %s", address))
}

// Combine aggregates statuses: any unhealthy wins, then any degraded.
func Combine(checks ...Status) Status {
	if len(checks) == 0 {
		return Healthy("no checks provided")
	}

	var unhealthy, degraded []string
	var healthyCount int
	for _, check := range checks {
		msg := check.Message
		if msg == "" {
			msg = "unnamed check"
		}
		switch check.Status {
		case StatusUnhealthy:
			unhealthy = append(unhealthy, msg)
		case StatusDegraded:
			degraded = append(degraded, msg)
		case StatusHealthy:
			healthyCount++
		}
	}

	if len(unhealthy) > 0 {
		return Unhealthy(fmt.Sprintf("%d check(s) failed", len(unhealthy)), map[string]any{
			"total":         len(checks),
			"unhealthy":     len(unhealthy),
			"degraded":      len(degraded),
			"healthy":       healthyCount,
			"failed_checks": unhealthy,
		})
	}
	if len(degraded) > 0 {
		return Degraded(fmt.Sprintf("%d check(s) degraded", len(degraded)), map[string]any{
			"total":           len(checks),
			"degraded":        len(degraded),
			"healthy":         healthyCount,
			"degraded_checks": degraded,
		})
	}
	return Healthy(fmt.Sprintf("all %d check(s) passed", len(checks)))
}

// Report is the result of one Checker run.
type Report struct {
	Status
	Checks map[string]Status `json:"checks"`
}

// Checker runs a fixed set of backend checks concurrently.
type Checker struct {
	checks  []Check
	timeout time.Duration
}

// NewChecker creates a checker. timeout bounds each check; zero means 2s.
func NewChecker(timeout time.Duration, checks ...Check) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{checks: checks, timeout: timeout}
}

// Add registers another check. Not safe to call concurrently with Run.
func (c *Checker) Add(check Check) {
	c.checks = append(c.checks, check)
}

// Run pings every backend and combines the results.
func (c *Checker) Run(ctx context.Context) Report {
	results := make([]Status, len(c.checks))
	var wg sync.WaitGroup
	for i, check := range c.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			results[i] = PingCheck(cctx, check)
		}()
	}
	wg.Wait()

	report := Report{Status: Combine(results...), Checks: make(map[string]Status, len(results))}
	for i, check := range c.checks {
		report.Checks[check.Name] = results[i]
	}
	return report
}

// ServeHTTP writes the report as JSON; unhealthy answers 503.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := c.Run(r.Context())
	code := http.StatusOK
	if report.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

// SyncGRPC mirrors the checker into srv every interval until ctx is done.
// The overall service ("") and each named backend get their own entry;
// degraded still counts as serving.
func SyncGRPC(ctx context.Context, c *Checker, srv *grpchealth.Server, interval time.Duration) {
	apply := func() {
		report := c.Run(ctx)
		srv.SetServingStatus("", servingStatus(report.Status))
		names := make([]string, 0, len(report.Checks))
		for name := range report.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			srv.SetServingStatus(name, servingStatus(report.Checks[name]))
		}
	}

	apply()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			srv.Shutdown()
			return
		case <-ticker.C:
			apply()
		}
	}
}

func servingStatus(s Status) healthpb.HealthCheckResponse_ServingStatus {
	if s.IsUnhealthy() {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
