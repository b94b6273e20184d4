package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func ok(context.Context) error   { return nil }
func down(context.Context) error { return errors.New("connection refused") }

func TestPingCheck(t *testing.T) {
	tests := []struct {
		name  string
		check Check
		want  string
	}{
		{"reachable", Check{Name: "redis", Ping: ok}, StatusHealthy},
		{"unreachable", Check{Name: "redis", Ping: down}, StatusUnhealthy},
		{"optional unreachable", Check{Name: "nats", Ping: down, Optional: true}, StatusDegraded},
		{"no ping", Check{Name: "etcd"}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PingCheck(context.Background(), tt.check)
			assert.Equal(t, tt.want, got.Status)
			assert.NotEmpty(t, got.Message)
		})
	}
}

func TestNetworkCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	assert.True(t, NetworkCheck(context.Background(), "127.0.0.1", port).IsHealthy())
	assert.True(t, NetworkCheck(context.Background(), "", port).IsUnhealthy())
	assert.True(t, NetworkCheck(context.Background(), "127.0.0.1", 70000).IsUnhealthy())
}

func TestCombine(t *testing.T) {
	assert.True(t, Combine().IsHealthy())
	assert.True(t, Combine(Healthy("a"), Healthy("b")).IsHealthy())

	d := Combine(Healthy("a"), Degraded("b", nil))
	assert.True(t, d.IsDegraded())
	assert.Equal(t, []string{"b"}, d.Details["degraded_checks"])

	u := Combine(Degraded("a", nil), Unhealthy("", nil))
	assert.True(t, u.IsUnhealthy())
	assert.Equal(t, []string{"unnamed check"}, u.Details["failed_checks"])
}

func TestChecker(t *testing.T) {
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	c := NewChecker(20*time.Millisecond,
		Check{Name: "redis", Ping: ok},
		Check{Name: "postgres", Ping: ok},
	)

	report := c.Run(context.Background())
	assert.True(t, report.IsHealthy())
	assert.Len(t, report.Checks, 2)

	c.Add(Check{Name: "etcd", Ping: slow})
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusUnhealthy, body.Status.Status)
	assert.Equal(t, StatusUnhealthy, body.Checks["etcd"].Status)
	assert.Equal(t, StatusHealthy, body.Checks["redis"].Status)
}

func TestSyncGRPC(t *testing.T) {
	c := NewChecker(time.Second,
		Check{Name: "redis", Ping: ok},
		Check{Name: "nats", Ping: down, Optional: true},
		Check{Name: "postgres", Ping: down},
	)
	srv := grpchealth.NewServer()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		SyncGRPC(ctx, c, srv, time.Hour)
		close(done)
	}()

	status := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.Status
	}
	require.Eventually(t, func() bool {
		return status("postgres") == healthpb.HealthCheckResponse_NOT_SERVING
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status("redis"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status("nats"))

	cancel()
	<-done
}
