// Package metrics registers the Prometheus collectors shared by the core
// services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RunsStarted     *prometheus.CounterVec
	RunsFinished    *prometheus.CounterVec
	TicksExecuted   prometheus.Counter
	TickDuration    prometheus.Histogram
	QueueDepth      prometheus.Gauge
	HeartbeatAge    prometheus.Gauge
	LeakageBlocks   *prometheus.CounterVec
	EnsembleCommits prometheus.Counter
}

func New(service string) *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": service}

	return &Registry{
		reg: reg,
		RunsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "populus_runs_started_total",
			Help:        "Runs that entered the running state.",
			ConstLabels: labels,
		}, []string{"project_id"}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "populus_runs_finished_total",
			Help:        "Runs that reached a terminal state, by outcome.",
			ConstLabels: labels,
		}, []string{"status"}),
		TicksExecuted: factory.NewCounter(prometheus.CounterOpts{
			Name:        "populus_ticks_executed_total",
			Help:        "Simulation ticks executed across all runs.",
			ConstLabels: labels,
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "populus_tick_duration_seconds",
			Help:        "Wall-clock duration of a single simulation tick.",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 14),
			ConstLabels: labels,
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "populus_job_queue_depth",
			Help:        "Pending jobs visible to the dispatcher.",
			ConstLabels: labels,
		}),
		HeartbeatAge: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "populus_worker_heartbeat_age_seconds",
			Help:        "Age of the oldest live worker heartbeat.",
			ConstLabels: labels,
		}),
		LeakageBlocks: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "populus_leakage_blocks_total",
			Help:        "Data accesses blocked by the temporal leakage guard.",
			ConstLabels: labels,
		}, []string{"source"}),
		EnsembleCommits: factory.NewCounter(prometheus.CounterOpts{
			Name:        "populus_ensemble_commits_total",
			Help:        "Run outcomes committed into node ensembles.",
			ConstLabels: labels,
		}),
	}
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
