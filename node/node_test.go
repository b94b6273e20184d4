package node

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/zero-day-ai/injector/config"
	"github.com/zero-day-ai/injector/executor/implant"
	"github.com/zero-day-ai/injector/executor/lade"
	"github.com/zero-day-ai/injector/executor/manual"
	"github.com/zero-day-ai/injector/executor/opencti"
	"github.com/zero-day-ai/injector/executor/sms"
	"github.com/zero-day-ai/injector/store/memory"
	"github.com/zero-day-ai/injector/types"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func localConfig() *config.Config {
	return &config.Config{Node: config.NodeConfig{
		Name:     "node-test",
		HTTPAddr: "127.0.0.1:0",
		GRPCAddr: "127.0.0.1:0",
	}}
}

func TestNew_DefaultExecutors(t *testing.T) {
	n, err := New(context.Background(), Options{Config: localConfig(), Logger: discard()})
	require.NoError(t, err)
	defer n.Close()

	assert.Equal(t, []string{implant.Type, manual.Type}, n.Executors())
	assert.Empty(t, n.pollers)
	assert.Equal(t, "node-test", n.info.Name)
	assert.NotEmpty(t, n.info.InstanceID)
}

func TestNew_ConfiguredExecutors(t *testing.T) {
	cfg := localConfig()
	cfg.Executors = config.ExecutorsConfig{
		CrowdStrike: &config.CrowdStrikeConfig{
			APIURL: "https://falcon.example", ClientID: "id", ClientSecret: "secret",
			WindowsScriptName: "win", UnixScriptName: "unix",
		},
		Tanium:  &config.TaniumConfig{GatewayURL: "https://tanium.example/graphql", APIKey: "key"},
		Lade:    &config.LadeConfig{URL: "https://lade.example", Username: "u", Password: "p"},
		OpenCTI: &config.OpenCTIConfig{URL: "https://octi.example", Token: "t"},
		SMS: &config.SMSConfig{
			Endpoint: "https://eu.api.ovh.com/1.0", ApplicationKey: "ak", ApplicationSecret: "as",
			ConsumerKey: "ck", Service: "sms-1", Sender: "OpenBAS",
		},
	}

	n, err := New(context.Background(), Options{Config: cfg, Logger: discard()})
	require.NoError(t, err)
	defer n.Close()

	assert.ElementsMatch(t, []string{implant.Type, lade.Type, manual.Type, opencti.Type, sms.Type}, n.Executors())
	require.Contains(t, n.pollers, lade.Type)
	assert.Len(t, n.listeners, 1)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := localConfig()
	cfg.Postgres = &config.PostgresConfig{}
	_, err := New(context.Background(), Options{Config: cfg, Logger: discard()})
	assert.Error(t, err)
}

func TestNode_DispatchDueInject(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	start := time.Now().Add(-time.Minute)
	st.PutExercise(types.Exercise{ID: "ex-1", Status: types.ExerciseRunning, Start: &start})
	require.NoError(t, st.SaveInject(ctx, types.Inject{
		ID:         "inj-1",
		Title:      "Call the SOC",
		Enabled:    true,
		ExerciseID: "ex-1",
		Contract:   &types.InjectorContract{ID: "c-manual", InjectorType: manual.Type},
		CreatedAt:  start,
	}))

	n, err := New(ctx, Options{Config: localConfig(), Logger: discard(), Store: st})
	require.NoError(t, err)
	defer n.Close()

	srv := httptest.NewServer(n.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/injects/due", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	dispatched, err := n.driver.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)

	status, err := st.LatestStatus(ctx, "inj-1")
	require.NoError(t, err)
	require.NotNil(t, status)

	again, err := n.driver.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNode_RunStopsOnCancel(t *testing.T) {
	n, err := New(context.Background(), Options{Config: localConfig(), Logger: discard()})
	require.NoError(t, err)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGRPCServer_Health(t *testing.T) {
	srv, err := NewGRPCServer("127.0.0.1:0", time.Second, discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := grpc.NewClient(srv.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	srv.Health().SetServingStatus("postgres", healthpb.HealthCheckResponse_NOT_SERVING)

	cctx, ccancel := context.WithTimeout(ctx, 5*time.Second)
	defer ccancel()
	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(cctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	resp, err = client.Check(cctx, &healthpb.HealthCheckRequest{Service: "postgres"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	cancel()
	assert.NoError(t, <-done)
}

func TestRedisURL(t *testing.T) {
	assert.Equal(t, "redis://localhost:6379/0", redisURL(&config.RedisConfig{Addr: "localhost:6379"}))
	assert.Equal(t, "redis://:s3cret@cache:6380/2", redisURL(&config.RedisConfig{Addr: "cache:6380", Password: "s3cret", DB: 2}))
}

func TestExpiryCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newExpiryCounter(reg)
	c.RecordExpired(context.Background(), 3)
	c.RecordExpired(context.Background(), 2)
	assert.Equal(t, 5.0, testutil.ToFloat64(c.c))
}
