// Package metrics exposes engine counters in the Prometheus text format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"groupscan/internal/core"
)

const namespace = "groupscan"

// Registry owns a private Prometheus registry and implements core.Metrics.
type Registry struct {
	registry *prometheus.Registry

	tasksFinished *prometheus.CounterVec
	itemsScanned  prometheus.Counter
	replies       *prometheus.CounterVec
	queueDepth    prometheus.Gauge
}

var _ core.Metrics = (*Registry)(nil)

// New builds a registry. Runtime collectors are included when withRuntime is set.
func New(withRuntime bool) *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal status, by status.",
		}, []string{"status"}),
		itemsScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_scanned_total",
			Help:      "Items returned by target listings.",
		}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Reply actions attempted, by result.",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting in the engine queue.",
		}),
	}
	r.registry.MustRegister(r.tasksFinished, r.itemsScanned, r.replies, r.queueDepth)
	if withRuntime {
		r.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r
}

func (r *Registry) TaskFinished(status core.TaskStatus) {
	r.tasksFinished.WithLabelValues(string(status)).Inc()
}

func (r *Registry) ItemsScanned(n int) {
	if n > 0 {
		r.itemsScanned.Add(float64(n))
	}
}

func (r *Registry) ReplyAttempted(ok bool) {
	result := "failed"
	if ok {
		result = "succeeded"
	}
	r.replies.WithLabelValues(result).Inc()
}

func (r *Registry) QueueDepth(n int) {
	r.queueDepth.Set(float64(n))
}

// Handler serves the registry for scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
