// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the API.
//
// Metrics are registered on a caller-supplied registerer so tests can use
// a fresh registry. A nil *Metrics is valid and records nothing.
package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "fortifai"

// Metrics holds every collector exported by the service.
type Metrics struct {
	// HTTPRequestsTotal counts requests by route, method and status code.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPRequestDuration measures request latency by route and method.
	HTTPRequestDuration *prometheus.HistogramVec

	// GraphBuildsTotal counts graph builds by status (success, error).
	GraphBuildsTotal *prometheus.CounterVec

	// GraphBuildDuration measures end-to-end graph assembly time.
	GraphBuildDuration prometheus.Histogram

	// AssetReadsTotal counts per-asset-type table reads by status.
	AssetReadsTotal *prometheus.CounterVec

	// CacheLookupsTotal counts TTL cache lookups by result (hit, miss).
	CacheLookupsTotal *prometheus.CounterVec

	// RelocationsTotal counts relocation runs by status.
	RelocationsTotal *prometheus.CounterVec

	// RelocationStepDuration measures each relocation step.
	RelocationStepDuration *prometheus.HistogramVec

	// ProxyRequestsTotal counts gateway proxy requests by kind and status.
	ProxyRequestsTotal *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		GraphBuildsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "graph",
				Name:      "builds_total",
				Help:      "Total asset graph builds by status",
			},
			[]string{"status"},
		),
		GraphBuildDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "graph",
				Name:      "build_duration_seconds",
				Help:      "Asset graph build duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		AssetReadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "assets",
				Name:      "reads_total",
				Help:      "Total asset table reads by asset type and status",
			},
			[]string{"asset_type", "status"},
		),
		CacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Total object cache lookups by result",
			},
			[]string{"result"},
		),
		RelocationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "relocation",
				Name:      "runs_total",
				Help:      "Total EC2 relocation runs by status",
			},
			[]string{"status"},
		),
		RelocationStepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "relocation",
				Name:      "step_duration_seconds",
				Help:      "Duration of each relocation step in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"step", "status"},
		),
		ProxyRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "proxy",
				Name:      "requests_total",
				Help:      "Total gateway proxy requests by kind and status",
			},
			[]string{"kind", "status"},
		),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Metrics) ObserveGraphBuild(start time.Time, err error) {
	if m == nil {
		return
	}
	m.GraphBuildsTotal.WithLabelValues(status(err)).Inc()
	m.GraphBuildDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveAssetRead(assetType string, err error) {
	if m == nil {
		return
	}
	m.AssetReadsTotal.WithLabelValues(assetType, status(err)).Inc()
}

// CacheLookup implements cache.Observer.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRelocation(err error) {
	if m == nil {
		return
	}
	m.RelocationsTotal.WithLabelValues(status(err)).Inc()
}

func (m *Metrics) ObserveRelocationStep(step string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.RelocationStepDuration.WithLabelValues(step, status(err)).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveProxy(kind string, code int) {
	if m == nil {
		return
	}
	m.ProxyRequestsTotal.WithLabelValues(kind, strconv.Itoa(code)).Inc()
}

// Middleware records request counts and latency per matched route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}
