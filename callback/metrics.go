package callback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of callback ingestion.
type Metrics struct {
	Received      *prometheus.CounterVec
	Rejected      prometheus.Counter
	Duplicates    prometheus.Counter
	Applied       prometheus.Counter
	Orphaned      prometheus.Counter
	Requeued      prometheus.Counter
	FlushDuration prometheus.Histogram
	PollErrors    prometheus.Counter
}

// NewMetrics registers the callback metrics on reg. A nil reg uses a
// private registry, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Received: f.NewCounterVec(prometheus.CounterOpts{
			Name: "injector_callbacks_received_total",
			Help: "Total number of agent callbacks accepted, by source",
		}, []string{"source"}),
		Rejected: f.NewCounter(prometheus.CounterOpts{
			Name: "injector_callbacks_rejected_total",
			Help: "Total number of invalid agent callbacks rejected",
		}),
		Duplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "injector_callbacks_duplicate_total",
			Help: "Total number of replayed agent callbacks dropped",
		}),
		Applied: f.NewCounter(prometheus.CounterOpts{
			Name: "injector_callbacks_applied_total",
			Help: "Total number of agent callbacks applied to an inject status",
		}),
		Orphaned: f.NewCounter(prometheus.CounterOpts{
			Name: "injector_callbacks_orphaned_total",
			Help: "Total number of agent callbacks for injects without status",
		}),
		Requeued: f.NewCounter(prometheus.CounterOpts{
			Name: "injector_callbacks_requeued_total",
			Help: "Total number of agent callbacks pushed back after a failed apply",
		}),
		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "injector_callbacks_flush_duration_seconds",
			Help:    "Duration of one callback flush",
			Buckets: prometheus.DefBuckets,
		}),
		PollErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "injector_workflow_poll_errors_total",
			Help: "Total number of failed remote workflow polls",
		}),
	}
}
