// Package metrics provides the Prometheus-compatible counters and gauges
// the pool manager, connection registry, and rotation controller update as
// they run.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aistudio_proxy"

// Collector holds every metric emitted by the request dispatch core.
type Collector struct {
	registry *prometheus.Registry

	ContextsActive   prometheus.Gauge
	ContextsInit     prometheus.Counter
	ContextInitFail  *prometheus.CounterVec
	PreloadDuration  prometheus.Histogram
	SwitchCount      *prometheus.CounterVec
	FailureCount     prometheus.Counter
	QueueDepth       prometheus.Gauge
	RequestDuration  *prometheus.HistogramVec
	RequestsTotal    *prometheus.CounterVec
	ReconnectCount   *prometheus.CounterVec
}

// New creates and registers a fresh metric set against its own registry, so
// tests can instantiate many collectors without tripping the default
// registry's duplicate-registration panic.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		ContextsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "contexts_active",
			Help: "Number of live browser contexts in the pool.",
		}),
		ContextsInit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "contexts_initialized_total",
			Help: "Total successful context initializations.",
		}),
		ContextInitFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "context_init_failures_total",
			Help: "Context initialization failures by error kind.",
		}, []string{"kind"}),
		PreloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "preload_duration_seconds",
			Help:    "Time spent preloading one context.",
			Buckets: prometheus.DefBuckets,
		}),
		SwitchCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "account_switches_total",
			Help: "Account switches by reason.",
		}, []string{"reason"}),
		FailureCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "consecutive_failures_total",
			Help: "Requests counted as a rotation failure.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "message_queue_depth",
			Help: "Number of open request message queues.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "request_duration_seconds",
			Help:    "End-to-end request duration by dialect.",
			Buckets: prometheus.DefBuckets,
		}, []string{"dialect"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total",
			Help: "Requests handled by dialect and terminal state.",
		}, []string{"dialect", "state"}),
		ReconnectCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnects_total",
			Help: "Lightweight reconnect attempts by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.ContextsActive, c.ContextsInit, c.ContextInitFail, c.PreloadDuration,
		c.SwitchCount, c.FailureCount, c.QueueDepth, c.RequestDuration,
		c.RequestsTotal, c.ReconnectCount,
	)
	return c
}

// Handler returns the HTTP handler for /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records the duration and terminal state of one request.
func (c *Collector) ObserveRequest(dialect, state string, d time.Duration) {
	c.RequestDuration.WithLabelValues(dialect).Observe(d.Seconds())
	c.RequestsTotal.WithLabelValues(dialect, state).Inc()
}
