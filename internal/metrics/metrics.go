// Package metrics exports SDK instrumentation as Prometheus metrics. A
// Collector implements live.Observer and owns a private registry so that
// several clients (or tests) never collide on the default registerer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tonimelisma/liveconnect-go/pkg/live"
)

const namespace = "liveconnect"

// Collector records operation outcomes, transfer volume and auth attempts.
type Collector struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	bytes      *prometheus.CounterVec
	auth       *prometheus.CounterVec
}

var _ live.Observer = (*Collector)(nil)

// New creates a Collector with its metrics registered on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Operations that reached a terminal state.",
			},
			[]string{"method", "state", "kind"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Time from Execute to the terminal state.",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"method"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transferred_bytes_total",
				Help:      "Bytes streamed by upload and download operations.",
			},
			[]string{"direction"},
		),
		auth: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Calls made to the identity provider, by mode and outcome.",
			},
			[]string{"silent", "outcome"},
		),
	}

	c.registry.MustRegister(c.operations, c.duration, c.bytes, c.auth)

	return c
}

// Registry exposes the underlying registry, for tests and for callers that
// want to add their own collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// OperationFinished implements live.Observer.
func (c *Collector) OperationFinished(method string, state live.State, kind live.Kind, elapsed time.Duration) {
	kindLabel := ""
	if state == live.StateFailed {
		kindLabel = kind.String()
	}

	c.operations.WithLabelValues(method, state.String(), kindLabel).Inc()
	c.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// BytesTransferred implements live.Observer.
func (c *Collector) BytesTransferred(dir live.Direction, n int64) {
	if n <= 0 {
		return
	}

	c.bytes.WithLabelValues(string(dir)).Add(float64(n))
}

// AuthAttempted implements live.Observer.
func (c *Collector) AuthAttempted(silent bool, outcome string) {
	c.auth.WithLabelValues(strconv.FormatBool(silent), outcome).Inc()
}
