// Package metrics holds the Prometheus collectors for a plugin process.
// Every process gets its own registry so tests and embedded hosts never
// collide on the global one.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/mantonx/plughost/sdk/scope"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "plughost"

// OutcomeOK labels requests that succeeded.
const OutcomeOK = "ok"

// Metrics is the set of collectors shared by the server, dispatcher and
// bridge. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	Requests          *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	Connections       *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	FramingErrors     prometheus.Counter
	LifecycleState    *prometheus.GaugeVec
}

// New creates the collectors and registers them, along with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Protocol requests handled, by method and outcome.",
		}, []string{"method", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent dispatching a protocol request.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connections accepted or rejected by the listener.",
		}, []string{"result"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Connections currently being served.",
		}),
		FramingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "framing_errors_total",
			Help:      "Lines that could not be read as a request.",
		}),
		LifecycleState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifecycle_state",
			Help:      "1 for the plugin's current lifecycle state, 0 otherwise.",
		}, []string{"state"}),
	}

	m.Registry.MustRegister(
		m.Requests,
		m.RequestDuration,
		m.Connections,
		m.ActiveConnections,
		m.FramingErrors,
		m.LifecycleState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRequest records one dispatched request. outcome is OutcomeOK or
// an error code.
func (m *Metrics) ObserveRequest(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, strings.ToLower(outcome)).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ConnectionAccepted counts an accepted connection and marks it active.
func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues("accepted").Inc()
	m.ActiveConnections.Inc()
}

// ConnectionClosed marks an accepted connection as finished.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// ConnectionRejected counts a connection turned away because the server
// was at capacity.
func (m *Metrics) ConnectionRejected() {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues("rejected").Inc()
}

func (m *Metrics) FramingError() {
	if m == nil {
		return
	}
	m.FramingErrors.Inc()
}

// SetLifecycleState sets current to 1 and every other state to 0.
func (m *Metrics) SetLifecycleState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.LifecycleState.WithLabelValues(s).Set(v)
	}
}

// TrackScope exports the sizes of a scope manager's registries.
func (m *Metrics) TrackScope(manager *scope.Manager) {
	if m == nil || manager == nil {
		return
	}
	gauge := func(kind string, read func(scope.Stats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "scope",
			Name:        "resources",
			Help:        "Managed resources currently tracked, by kind.",
			ConstLabels: prometheus.Labels{"kind": kind},
		}, func() float64 { return float64(read(manager.Stats())) })
	}

	m.Registry.MustRegister(
		gauge("interval", func(s scope.Stats) int { return s.Intervals }),
		gauge("timeout", func(s scope.Stats) int { return s.Timeouts }),
		gauge("listener", func(s scope.Stats) int { return s.Listeners }),
		gauge("socket", func(s scope.Stats) int { return s.Sockets }),
		gauge("handler", func(s scope.Stats) int { return s.Handlers }),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
