// Package metrics defines the Prometheus instruments the service exports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the service's Prometheus collectors. A single instance is
// created at startup and shared by the components that record into it.
type Metrics struct {
	TasksCreated  prometheus.Counter
	TasksFinished *prometheus.CounterVec
	TasksRunning  prometheus.Gauge
	QueueLatency  prometheus.Histogram
}

// New registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "waldiez_runner_tasks_created_total",
			Help: "Tasks admitted and enqueued.",
		}),
		TasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "waldiez_runner_tasks_finished_total",
			Help: "Tasks reaching a terminal status.",
		}, []string{"status"}),
		TasksRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "waldiez_runner_tasks_running",
			Help: "Jobs currently executing in the runner pool.",
		}),
		QueueLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "waldiez_runner_queue_latency_seconds",
			Help:    "Time between task creation and job pickup.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}
