// Package metrics exposes Prometheus counters for detection and scheduling.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamrec"

// Metrics holds every collector on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	streamsDetected      *prometheus.CounterVec
	detectionsStarted    prometheus.Counter
	scheduleTriggers     prometheus.Counter
	sessionStartFailures prometheus.Counter
	activeSessions       prometheus.Gauge

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New(version string) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.streamsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_detected_total",
			Help:      "Distinct stream playlists observed, by event source",
		},
		[]string{"source"},
	)
	m.detectionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "detections_started_total",
		Help:      "Detection pipelines that reached a download",
	})
	m.scheduleTriggers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schedule_triggers_total",
		Help:      "Schedule checks that spawned a worker",
	})
	m.sessionStartFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_start_failures_total",
		Help:      "Browser sessions that failed to start after retries",
	})
	m.activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Open browser sessions",
	})
	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	info := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version"},
	)
	info.WithLabelValues(version).Set(1)

	m.registry.MustRegister(
		m.streamsDetected,
		m.detectionsStarted,
		m.scheduleTriggers,
		m.sessionStartFailures,
		m.activeSessions,
		m.httpRequestsTotal,
		m.httpRequestDuration,
		info,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// StreamDetected counts a newly seen stream from source.
func (m *Metrics) StreamDetected(source string) {
	if m == nil {
		return
	}
	m.streamsDetected.WithLabelValues(source).Inc()
}

// DetectionStarted counts a pipeline that handed a stream to the downloader.
func (m *Metrics) DetectionStarted() {
	if m == nil {
		return
	}
	m.detectionsStarted.Inc()
}

// ScheduleTriggered counts a spawned schedule worker.
func (m *Metrics) ScheduleTriggered() {
	if m == nil {
		return
	}
	m.scheduleTriggers.Inc()
}

// SessionStartFailed counts a browser launch that exhausted its retries.
func (m *Metrics) SessionStartFailed() {
	if m == nil {
		return
	}
	m.sessionStartFailures.Inc()
}

// SessionOpened and SessionClosed track the active session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// Middleware records request counts and latencies per route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		m.httpRequestsTotal.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
