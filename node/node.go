// Package node assembles one engine node from configuration and runs it.
//
// A node owns the store, the executor registry, the periodic drivers
// (inject dispatch, expectation expiry, remote workflow polling), callback
// ingestion over HTTP and NATS, and the HTTP and gRPC surfaces. When an etcd
// registry is configured the periodic drivers run on the elected leader only.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/zero-day-ai/injector/api"
	"github.com/zero-day-ai/injector/callback"
	"github.com/zero-day-ai/injector/config"
	"github.com/zero-day-ai/injector/executor"
	"github.com/zero-day-ai/injector/expectation"
	"github.com/zero-day-ai/injector/finding"
	"github.com/zero-day-ai/injector/health"
	"github.com/zero-day-ai/injector/queue"
	"github.com/zero-day-ai/injector/registry"
	"github.com/zero-day-ai/injector/scheduler"
	"github.com/zero-day-ai/injector/store"
	"github.com/zero-day-ai/injector/store/memory"
	"github.com/zero-day-ai/injector/store/postgres"
	"github.com/zero-day-ai/injector/telemetry"
)

// Periodic job names. They double as election keys.
const (
	JobDispatch   = "inject-dispatch"
	JobExpiration = "expectation-expiry"
	JobWorkflows  = "workflow-poll"
	JobHeartbeat  = "heartbeat"
)

const shutdownTimeout = 10 * time.Second

// Options configures New.
type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Version string

	// Store replaces the configured backend.
	Store store.Store

	// Transport is used by every remote platform client.
	Transport http.RoundTripper

	// Exporter receives finished spans when telemetry is enabled.
	Exporter sdktrace.SpanExporter
}

// Node is a fully wired engine node.
type Node struct {
	cfg    *config.Config
	logger *slog.Logger
	info   registry.NodeInfo

	store     store.Store
	telemetry *telemetry.Provider
	metrics   *prometheus.Registry

	executors   *executor.Registry
	dispatcher  *executor.Dispatcher
	tracker     *expectation.Tracker
	selector    *scheduler.Selector
	driver      *scheduler.Driver
	tests       *scheduler.TestRunner
	expirations *expectation.ExpirationManager

	batcher    *callback.Batcher
	pollers    map[string]callback.Poller
	listeners  []*callback.WorkflowListener
	subscriber *callback.Subscriber

	queue    *queue.RedisClient
	nats     *nats.Conn
	registry *registry.Client
	checker  *health.Checker
	api      *api.Server

	closers []func() error
}

// New builds a node. Connections are opened here; nothing runs until Run.
func New(ctx context.Context, opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	n := &Node{
		cfg:     cfg,
		logger:  logger,
		metrics: prometheus.NewRegistry(),
		info: registry.NodeInfo{
			Name:       nodeName(cfg.Node),
			InstanceID: uuid.NewString(),
			Version:    opts.Version,
			Endpoint:   cfg.Node.GetHTTPAddr(),
			StartedAt:  time.Now().UTC(),
		},
	}
	built := false
	defer func() {
		if !built {
			n.Close()
		}
	}()

	n.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	n.checker = health.NewChecker(5 * time.Second)

	n.telemetry = telemetry.New(ctx, telemetry.Options{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.GetServiceName(),
		Version:     opts.Version,
		SampleRatio: cfg.Telemetry.GetSampleRatio(),
		Exporter:    opts.Exporter,
		Logger:      logger,
	})
	n.closers = append(n.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return n.telemetry.Shutdown(sctx)
	})

	if err := n.openStore(ctx, opts.Store); err != nil {
		return nil, err
	}
	if err := n.buildEngine(opts.Transport); err != nil {
		return nil, err
	}
	if err := n.buildCallbacks(); err != nil {
		return nil, err
	}
	if err := n.openRegistry(); err != nil {
		return nil, err
	}

	n.api = api.NewServer(api.Options{
		Selector:  n.selector,
		Tester:    n.tests,
		Callbacks: n.batcher,
		Health:    n.checker,
		Gatherer:  n.metrics,
		Tracer:    n.telemetry.Tracer(),
		Logger:    logger,
	})

	logger.Info("node assembled",
		"name", n.info.Name,
		"instance_id", n.info.InstanceID,
		"executors", n.info.Executors,
	)
	built = true
	return n, nil
}

func (n *Node) openStore(ctx context.Context, st store.Store) error {
	switch {
	case st != nil:
		n.store = st
	case n.cfg.Postgres != nil:
		pg, err := postgres.Open(ctx, n.cfg.Postgres.DSN, n.cfg.Postgres.GetMaxOpenConns())
		if err != nil {
			return err
		}
		n.closers = append(n.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		n.checker.Add(health.Check{Name: "postgres", Ping: pg.Ping})
		n.store = pg
	default:
		n.logger.Warn("no postgres configured, using the in-memory store")
		n.store = memory.New()
	}
	return nil
}

func (n *Node) buildEngine(transport http.RoundTripper) error {
	cfg := n.cfg
	logger := n.logger

	n.tracker = expectation.NewTracker(n.store,
		expectation.WithLogger(logger),
		expectation.WithDefaults(expectation.Defaults{
			Technical: cfg.Expectations.GetTechnical(),
			Human:     cfg.Expectations.GetHuman(),
		}),
	)

	n.executors = executor.NewRegistry()
	n.pollers = registerExecutors(n.executors, cfg, n.tracker, transport, logger)
	n.info.Executors = n.executors.Types()

	var err error
	n.dispatcher, err = executor.NewDispatcher(n.executors, n.store,
		executor.WithLogger(logger),
		executor.WithOTel(n.telemetry.Tracer(), n.telemetry.Meter()),
	)
	if err != nil {
		return err
	}

	n.selector, err = scheduler.NewSelector(n.store, scheduler.WithSelectorLogger(logger))
	if err != nil {
		return err
	}
	n.driver = scheduler.NewDriver(n.selector, n.dispatcher,
		scheduler.WithDriverLogger(logger),
		scheduler.WithConcurrency(cfg.Scheduler.GetConcurrency()),
	)
	n.tests = scheduler.NewTestRunner(n.store, n.dispatcher, logger)

	n.expirations = expectation.NewExpirationManager(n.tracker, n.store,
		expectation.WithExpirationLogger(logger),
		expectation.WithExpiryRecorder(newExpiryCounter(n.metrics)),
	)
	return nil
}

func (n *Node) buildCallbacks() error {
	cfg := n.cfg
	metrics := callback.NewMetrics(n.metrics)

	var buffer callback.Buffer = callback.NewMemoryBuffer()
	if cfg.Redis != nil {
		q, err := queue.NewRedisClient(queue.RedisOptions{URL: redisURL(cfg.Redis)})
		if err != nil {
			return err
		}
		n.queue = q
		n.closers = append(n.closers, q.Close)
		n.checker.Add(health.Check{Name: "redis", Ping: q.Ping})
		buffer = callback.NewRedisBuffer(q, n.info.Name)
	}

	findings := finding.NewRecorder(n.store, finding.WithLogger(n.logger))
	var err error
	n.batcher, err = callback.NewBatcher(buffer, n.store, findings,
		callback.WithLogger(n.logger),
		callback.WithBatchSize(cfg.Callbacks.GetBatchSize()),
		callback.WithInterval(cfg.Callbacks.GetFlushInterval()),
		callback.WithReplayWindow(cfg.Callbacks.GetReplayWindow()),
		callback.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	for injectType, poller := range n.pollers {
		n.listeners = append(n.listeners, callback.NewWorkflowListener(injectType, poller, n.store,
			callback.WithListenerLogger(n.logger),
			callback.WithListenerMetrics(metrics),
		))
	}

	if cfg.NATS != nil {
		conn, err := nats.Connect(cfg.NATS.URL,
			nats.Name(n.info.Name),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					n.logger.Warn("nats disconnected", "error", err)
				}
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		n.nats = conn
		n.closers = append(n.closers, func() error { conn.Close(); return nil })
		n.checker.Add(health.Check{Name: "nats", Optional: true, Ping: func(context.Context) error {
			if !conn.IsConnected() {
				return fmt.Errorf("nats connection is %s", conn.Status())
			}
			return nil
		}})
		n.subscriber = callback.NewSubscriber(conn, n.batcher, callback.SubscriberOptions{
			Subject:    cfg.NATS.Subject,
			QueueGroup: cfg.NATS.QueueGroup,
			Logger:     n.logger,
		})
	}
	return nil
}

func (n *Node) openRegistry() error {
	if n.cfg.Registry == nil {
		return nil
	}
	cli, err := registry.NewClient(*n.cfg.Registry, n.logger)
	if err != nil {
		return err
	}
	n.registry = cli
	n.closers = append(n.closers, cli.Close)
	n.checker.Add(health.Check{Name: "registry", Ping: func(ctx context.Context) error {
		_, err := cli.Nodes(ctx)
		return err
	}})
	return nil
}

// Handler returns the HTTP API.
func (n *Node) Handler() http.Handler {
	return n.api.Handler()
}

// Executors lists the registered injector types.
func (n *Node) Executors() []string {
	return n.executors.Types()
}

// Run serves and drives the node until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lis, err := net.Listen("tcp", n.cfg.Node.GetHTTPAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.Node.GetHTTPAddr(), err)
	}
	grpcSrv, err := NewGRPCServer(n.cfg.Node.GetGRPCAddr(), 0, n.logger)
	if err != nil {
		lis.Close()
		return err
	}
	if n.subscriber != nil {
		if err := n.subscriber.Start(ctx); err != nil {
			lis.Close()
			grpcSrv.listener.Close()
			return err
		}
	}
	httpSrv := &http.Server{Handler: n.Handler(), ReadHeaderTimeout: 10 * time.Second}

	var (
		wg   sync.WaitGroup
		errs = make(chan error, 2)
	)
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() {
		if err := httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("HTTP server error: %w", err)
		}
	})
	spawn(func() {
		if err := grpcSrv.Serve(ctx); err != nil {
			errs <- err
		}
	})
	spawn(func() { health.SyncGRPC(ctx, n.checker, grpcSrv.Health(), 15*time.Second) })
	spawn(func() { n.batcher.Run(ctx) })

	leader := func(string) scheduler.Leader { return nil }
	if n.registry != nil {
		if err := n.registry.Register(ctx, n.info); err != nil {
			n.logger.Warn("failed to register node", "error", err)
		}
		electors := map[string]*registry.Elector{}
		leader = func(job string) scheduler.Leader {
			e, ok := electors[job]
			if !ok {
				e = n.registry.Elector(job, n.info.InstanceID)
				electors[job] = e
				spawn(func() { e.Run(ctx) })
			}
			return e
		}
	}

	sched := n.cfg.Scheduler
	dispatchLeader, expiryLeader := leader(JobDispatch), leader(JobExpiration)
	spawn(func() {
		scheduler.RunEvery(ctx, JobDispatch, sched.GetDueInterval(), dispatchLeader, n.logger, func(ctx context.Context) error {
			_, err := n.driver.RunOnce(ctx)
			return err
		})
	})
	spawn(func() {
		scheduler.RunEvery(ctx, JobExpiration, sched.GetExpirationInterval(), expiryLeader, n.logger, func(ctx context.Context) error {
			_, err := n.expirations.Sweep(ctx)
			return err
		})
	})
	if len(n.listeners) > 0 {
		workflowLeader := leader(JobWorkflows)
		spawn(func() {
			scheduler.RunEvery(ctx, JobWorkflows, sched.GetPollInterval(), workflowLeader, n.logger, n.pollWorkflows)
		})
	}
	if n.queue != nil {
		spawn(func() {
			scheduler.RunEvery(ctx, JobHeartbeat, queue.HeartbeatTTL/3, nil, n.logger, func(ctx context.Context) error {
				return n.queue.Heartbeat(ctx, n.info.Name)
			})
		})
	}

	n.logger.Info("node running",
		"http_addr", lis.Addr().String(),
		"grpc_addr", grpcSrv.Addr().String(),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		n.logger.Warn("HTTP shutdown failed", "error", err)
	}
	if n.registry != nil {
		if err := n.registry.Deregister(sctx, n.info); err != nil {
			n.logger.Warn("failed to deregister node", "error", err)
		}
	}
	wg.Wait()

	n.logger.Info("node stopped")
	return runErr
}

func (n *Node) pollWorkflows(ctx context.Context) error {
	var errs []error
	for _, l := range n.listeners {
		if _, err := l.Poll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases every connection in reverse opening order.
func (n *Node) Close() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}

func redisURL(c *config.RedisConfig) string {
	u := url.URL{Scheme: "redis", Host: c.Addr, Path: "/" + strconv.Itoa(c.DB)}
	if c.Password != "" {
		u.User = url.UserPassword("", c.Password)
	}
	return u.String()
}

// nodeName falls back to the host name, so that nodes sharing one config
// keep distinct callback buffers.
func nodeName(c config.NodeConfig) string {
	if c.Name != "" {
		return c.Name
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return c.GetName()
}

type expiryCounter struct {
	c prometheus.Counter
}

func newExpiryCounter(reg prometheus.Registerer) expiryCounter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "injector_expectations_expired_total",
		Help: "Total number of expectations force-resolved after expiry",
	})
	reg.MustRegister(c)
	return expiryCounter{c: c}
}

func (e expiryCounter) RecordExpired(_ context.Context, n int) {
	e.c.Add(float64(n))
}
