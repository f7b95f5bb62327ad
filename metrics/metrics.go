// Package metrics exposes trok's Prometheus instruments. A nil *Metrics is
// valid and records nothing, so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trok"

// Metrics holds every collector on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	tasks        *prometheus.CounterVec
	packages     *prometheus.CounterVec
	steps        *prometheus.HistogramVec
	queueDepth   prometheus.Gauge
	deliveryErrs *prometheus.CounterVec
	observers    prometheus.Gauge
	repositories prometheus.Gauge
}

// New registers all collectors, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks finished, by terminal status.",
		}, []string{"status"}),
		packages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_total",
			Help:      "Packages finished, by terminal status.",
		}, []string{"status"}),
		steps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of package manager install and build steps.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"step", "manager", "outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting for the dispatcher.",
		}),
		deliveryErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_delivery_failures_total",
			Help:      "Events a notification sink failed to accept.",
		}, []string{"sink"}),
		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_observers",
			Help:      "Live feed connections.",
		}),
		repositories: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workspace_repositories",
			Help:      "Repositories found by the last workspace scan.",
		}),
	}
	m.Registry.MustRegister(
		m.tasks, m.packages, m.steps, m.queueDepth,
		m.deliveryErrs, m.observers, m.repositories,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TaskFinished(status string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(status).Inc()
}

func (m *Metrics) PackageFinished(status string) {
	if m == nil {
		return
	}
	m.packages.WithLabelValues(status).Inc()
}

// ObserveStep records one install or build invocation.
func (m *Metrics) ObserveStep(step, manager string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.steps.WithLabelValues(step, manager, outcome).Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) DeliveryFailed(sink string) {
	if m == nil {
		return
	}
	m.deliveryErrs.WithLabelValues(sink).Inc()
}

func (m *Metrics) ObserverConnected() {
	if m == nil {
		return
	}
	m.observers.Inc()
}

func (m *Metrics) ObserverDisconnected() {
	if m == nil {
		return
	}
	m.observers.Dec()
}

func (m *Metrics) SetRepositories(n int) {
	if m == nil {
		return
	}
	m.repositories.Set(float64(n))
}
