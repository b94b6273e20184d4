// Package api exposes the engine's operations over HTTP: due selection,
// on-demand test runs, agent callbacks, health and Prometheus metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zero-day-ai/injector/callback"
	"github.com/zero-day-ai/injector/execution"
)

// DueSelector computes the injects due now.
type DueSelector interface {
	InjectsToRun(ctx context.Context) ([]*execution.ExecutableInject, error)
}

// Tester runs injects on demand in test mode.
type Tester interface {
	Test(ctx context.Context, injectID string) (*execution.InjectStatus, error)
	BulkTest(ctx context.Context, injectIDs []string) ([]*execution.InjectStatus, error)
	DeleteTest(ctx context.Context, statusID string) error
}

// Options configures a Server. Selector, Tester and Callbacks are required;
// the rest default to no-ops.
type Options struct {
	Selector  DueSelector
	Tester    Tester
	Callbacks callback.Ingester

	// Health serves GET /healthz. Nil answers 200 "ok".
	Health http.Handler

	// Gatherer serves GET /metrics. Nil uses prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	Tracer trace.Tracer
	Logger *slog.Logger

	// MaxBodyBytes bounds request bodies. Default: 8 MiB.
	MaxBodyBytes int64
}

// Server routes the API.
type Server struct {
	r      *chi.Mux
	opts   Options
	logger *slog.Logger
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 8 << 20
	}

	s := &Server{r: chi.NewRouter(), opts: opts, logger: opts.Logger.With("component", "api")}
	s.r.Use(middleware.RequestID)
	s.r.Use(s.logRequests)
	s.r.Use(middleware.Recoverer)
	s.r.Use(s.traceRequests)
	s.routes()
	return s
}

func (s *Server) routes() {
	health := s.opts.Health
	if health == nil {
		health = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	}
	s.r.Method(http.MethodGet, "/healthz", health)
	s.r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	s.r.Post("/injects/due", s.postDue)
	s.r.Post("/injects/test", s.postBulkTest)
	s.r.Post("/injects/{injectID}/test", s.postTest)
	s.r.Delete("/tests/{statusID}", s.deleteTest)

	s.r.Post("/callbacks", s.postCallbacks)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.r }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// traceRequests continues a W3C trace context sent by the caller.
func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.opts.Tracer.Start(ctx, "injector.api "+r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("http.method", r.Method)),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
