// Package metrics exposes engine, proxy and licensing measurements in
// Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements the metrics interfaces of the supervisor and the proxy.
type Collector struct {
	engineStarts  prometheus.Counter
	engineCrashes *prometheus.CounterVec
	startDuration *prometheus.HistogramVec

	proxyRequests *prometheus.CounterVec
	proxyErrors   *prometheus.CounterVec

	licensingOps *prometheus.CounterVec

	namespace string
	registry  *prometheus.Registry
}

// NewCollector creates a Collector with its own registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "matlabproxy"
	}

	c := &Collector{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
	}

	c.engineStarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "engine_starts_total",
		Help:      "Total number of engine processes spawned",
	})

	c.engineCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_crashes_total",
			Help:      "Total number of unintended engine exits by classified error type",
		},
		[]string{"error_type"},
	)

	c.startDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_start_duration_seconds",
			Help:      "Duration of engine start attempts",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"status"},
	)

	c.proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Total number of requests forwarded to the engine",
		},
		[]string{"kind"},
	)

	c.proxyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_errors_total",
			Help:      "Total number of failed forwards to the engine",
		},
		[]string{"kind"},
	)

	c.licensingOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "licensing_operations_total",
			Help:      "Total number of licensing operations by result",
		},
		[]string{"operation", "result"},
	)

	c.registry.MustRegister(
		c.engineStarts,
		c.engineCrashes,
		c.startDuration,
		c.proxyRequests,
		c.proxyErrors,
		c.licensingOps,
	)
	return c
}

// TrackStatus registers a gauge per engine status that reads 1 for the
// status reported by fn at scrape time.
func (c *Collector) TrackStatus(fn func() string) {
	for _, status := range []string{"down", "starting", "up"} {
		status := status
		c.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace:   c.namespace,
				Name:        "engine_status",
				Help:        "Current engine status",
				ConstLabels: prometheus.Labels{"status": status},
			},
			func() float64 {
				if fn() == status {
					return 1
				}
				return 0
			},
		))
	}
}

// EngineStarted records a spawned engine
func (c *Collector) EngineStarted() {
	c.engineStarts.Inc()
}

// EngineCrashed records an unintended engine exit
func (c *Collector) EngineCrashed(errorType string) {
	c.engineCrashes.WithLabelValues(errorType).Inc()
}

// StartDuration records the duration of a start attempt
func (c *Collector) StartDuration(d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.startDuration.WithLabelValues(status).Observe(d.Seconds())
}

// ProxyRequest records a forwarded request of the given kind ("http" or "websocket").
func (c *Collector) ProxyRequest(kind string) {
	c.proxyRequests.WithLabelValues(kind).Inc()
}

// ProxyError records a failed forward of the given kind.
func (c *Collector) ProxyError(kind string) {
	c.proxyErrors.WithLabelValues(kind).Inc()
}

// LicensingOperation records the outcome of a licensing operation.
func (c *Collector) LicensingOperation(operation string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.licensingOps.WithLabelValues(operation, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
