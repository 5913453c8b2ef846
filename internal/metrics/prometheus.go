// Package metrics exports session controller and control API measurements
// in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Iron-Ham/apxctrl/internal/session"
)

var sessionStates = []string{"not_running", "starting", "idle", "running_step", "error"}

// Collector implements session.Metrics using Prometheus metrics
type Collector struct {
	// Session metrics
	stateTransitions *prometheus.CounterVec
	state            *prometheus.GaugeVec
	launches         *prometheus.HistogramVec
	healthChecks     *prometheus.CounterVec
	processesKilled  *prometheus.CounterVec

	// Run metrics
	runs *prometheus.HistogramVec

	// Result metrics
	archiveBytes    prometheus.Histogram
	archiveDuration prometheus.Histogram

	// Control API metrics
	requests      *prometheus.CounterVec
	streamClients prometheus.Gauge

	registry *prometheus.Registry
}

// NewCollector creates a Collector with its own registry. An empty namespace
// defaults to "apxctrl".
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "apxctrl"
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Total number of session state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.state = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	c.launches = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "launch_duration_seconds",
			Help:      "Duration of instrument launches",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"status"},
	)

	c.healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Total number of health checks by result",
		},
		[]string{"result"},
	)

	c.processesKilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_killed_total",
			Help:      "Total number of instrument processes killed",
		},
		[]string{"reason"},
	)

	c.runs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of sequence, measurement and signal path runs",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind", "outcome"},
	)

	c.archiveBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "result_archive_size_bytes",
			Help:      "Size of result archives",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)

	c.archiveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "result_archive_duration_seconds",
			Help:      "Duration of result archive creation",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of control API requests",
		},
		[]string{"route", "code"},
	)

	c.streamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_stream_clients",
			Help:      "Number of connected event stream clients",
		},
	)

	c.registry.MustRegister(
		c.stateTransitions,
		c.state,
		c.launches,
		c.healthChecks,
		c.processesKilled,
		c.runs,
		c.archiveBytes,
		c.archiveDuration,
		c.requests,
		c.streamClients,
	)

	c.setState("not_running")
	return c
}

func (c *Collector) setState(current string) {
	for _, s := range sessionStates {
		v := 0.0
		if s == current {
			v = 1
		}
		c.state.WithLabelValues(s).Set(v)
	}
}

// StateChanged records a state transition
func (c *Collector) StateChanged(from, to string) {
	c.stateTransitions.WithLabelValues(from, to).Inc()
	c.setState(to)
}

// LaunchCompleted records the duration of a launch
func (c *Collector) LaunchCompleted(success bool, d time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	c.launches.WithLabelValues(status).Observe(d.Seconds())
}

// RunCompleted records the duration and outcome of a run
func (c *Collector) RunCompleted(kind, outcome string, d time.Duration) {
	c.runs.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

// ProcessesKilled records terminated instrument processes
func (c *Collector) ProcessesKilled(reason string, n int) {
	c.processesKilled.WithLabelValues(reason).Add(float64(n))
}

// HealthChecked records a health check result
func (c *Collector) HealthChecked(healthy bool) {
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	c.healthChecks.WithLabelValues(result).Inc()
}

// ArchiveCreated records a result archive
func (c *Collector) ArchiveCreated(sizeBytes int64, d time.Duration) {
	c.archiveBytes.Observe(float64(sizeBytes))
	c.archiveDuration.Observe(d.Seconds())
}

// RequestServed records a control API response
func (c *Collector) RequestServed(route string, code int) {
	c.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// StreamClients records the number of connected event stream clients
func (c *Collector) StreamClients(n int) {
	c.streamClients.Set(float64(n))
}

// Registry returns the Prometheus registry for HTTP handler setup
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Compile-time interface compliance check
var _ session.Metrics = (*Collector)(nil)
