// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_http_requests_total",
			Help: "HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbox_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	Executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_executions_total",
			Help: "Code executions by language and outcome.",
		},
		[]string{"language", "outcome"},
	)

	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbox_execution_duration_seconds",
			Help:    "End-to-end execution latency by language.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"language"},
	)

	PoolReady = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runbox_pool_ready_sandboxes",
			Help: "Pre-warmed sandboxes ready per language.",
		},
		[]string{"language"},
	)

	PoolWarming = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runbox_pool_warming_sandboxes",
			Help: "Sandbox warmups in flight per language.",
		},
		[]string{"language"},
	)

	PoolExhaustions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_pool_exhaustions_total",
			Help: "Acquire attempts that found an empty pool.",
		},
		[]string{"language"},
	)

	StateOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_state_operations_total",
			Help: "State store operations by op and outcome.",
		},
		[]string{"op", "outcome"},
	)

	ArchivedSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_archived_sessions_total",
			Help: "Sessions moved to the cold tier.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequests,
		HTTPDuration,
		Executions,
		ExecutionDuration,
		PoolReady,
		PoolWarming,
		PoolExhaustions,
		StateOps,
		ArchivedSessions,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}

// EchoMiddleware records request counts and latencies per route.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			HTTPRequests.WithLabelValues(c.Request().Method, path, strconv.Itoa(status)).Inc()
			HTTPDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
