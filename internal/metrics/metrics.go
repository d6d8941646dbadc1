// Package metrics provides Prometheus instrumentation for paymcp.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "paymcp"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// FlowCallsTotal counts priced tool calls by flow and outcome.
	FlowCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "calls_total",
			Help:      "Priced tool calls by flow and outcome.",
		},
		[]string{"flow", "outcome"},
	)

	// ConfirmationsTotal counts confirmation attempts by flow and result.
	ConfirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "confirmations_total",
			Help:      "Payment confirmation attempts by flow and result.",
		},
		[]string{"flow", "result"},
	)

	// PaymentsCreatedTotal counts provider payments opened.
	PaymentsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_created_total",
			Help:      "Provider payments opened by provider and flow.",
		},
		[]string{"provider", "flow"},
	)

	// RecoveriesTotal counts disconnect recovery events (aborted, resumed).
	RecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "recoveries_total",
			Help:      "Interrupted payment flows by recovery event.",
		},
		[]string{"event"},
	)

	// ProviderRequestsTotal counts provider calls by provider, operation and result.
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Payment provider requests by provider, operation and result.",
		},
		[]string{"provider", "op", "result"},
	)

	// ProviderRequestDuration observes provider call latency.
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "Payment provider request latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"provider", "op"},
	)

	// StateOperationsTotal counts payment record operations by backend.
	StateOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "operations_total",
			Help:      "Payment record operations by backend, operation and result.",
		},
		[]string{"backend", "op", "result"},
	)

	// StateSweptTotal counts entries removed by the sweeper.
	StateSweptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "swept_total",
			Help:      "Entries removed by the periodic sweeper, by kind.",
		},
		[]string{"kind"},
	)

	// StateEntries tracks entries held by in-process stores, expired ones
	// included until the sweeper purges them.
	StateEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "entries",
			Help:      "Entries held by in-process state stores after the last sweep.",
		},
		[]string{"backend"},
	)

	// VisibilityNotifyFailuresTotal counts failed tools/list_changed notifications.
	VisibilityNotifyFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "visibility",
		Name:      "notify_failures_total",
		Help:      "Tool list change notifications that could not be delivered.",
	})

	// HiddenTools tracks tools currently hidden across all sessions.
	HiddenTools = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "visibility",
		Name:      "hidden_tools",
		Help:      "Number of (session, tool) pairs currently hidden.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		FlowCallsTotal,
		ConfirmationsTotal,
		PaymentsCreatedTotal,
		RecoveriesTotal,
		ProviderRequestsTotal,
		ProviderRequestDuration,
		StateOperationsTotal,
		StateSweptTotal,
		StateEntries,
		VisibilityNotifyFailuresTotal,
		HiddenTools,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartRuntimeCollector periodically samples the goroutine count and, when db
// is non-nil, sql.DBStats. Call in a goroutine; exits when ctx is done.
func StartRuntimeCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if db != nil {
				stats := db.Stats()
				DBOpenConnections.Set(float64(stats.OpenConnections))
				DBInUseConnections.Set(float64(stats.InUse))
			}
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Result maps an error to the "ok"/"error" label used by the counters above.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
