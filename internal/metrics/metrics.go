// Package metrics provides Prometheus instrumentation for Harrier.
package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "harrier"

var (
	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EvaluationsTotal counts finished evaluations by decision.
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "evaluations_total",
			Help:      "Total evaluations by decision.",
		},
		[]string{"decision"}, // "APPROVE", "REVIEW", "REJECT", "error"
	)

	// StageDuration observes per-stage latency inside the pipeline.
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3, 5},
		},
		[]string{"stage"},
	)

	// CacheLookups counts evaluation cache lookups by result.
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "cache_lookups_total",
			Help:      "Evaluation cache lookups by result.",
		},
		[]string{"result"}, // "hit", "miss", "error"
	)

	// TransformFailures counts feature transforms that failed integrity checks.
	TransformFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "transform_failures_total",
		Help:      "Feature transforms that failed and fell back to the neutral score.",
	})

	// RuleOutcomes counts per-rule evaluation outcomes.
	RuleOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "outcomes_total",
			Help:      "Rule evaluations by outcome.",
		},
		[]string{"outcome"}, // "triggered", "passed", "skipped", "error"
	)

	// DownstreamFallbacks counts calls to external services that returned a fallback.
	DownstreamFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downstream",
			Name:      "fallbacks_total",
			Help:      "External service calls that fell back to a neutral value.",
		},
		[]string{"service"}, // "scorer", "explainer"
	)

	// CaseTransitions counts case state changes by target status.
	CaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cases",
			Name:      "transitions_total",
			Help:      "Case transitions by target status.",
		},
		[]string{"status"},
	)

	// AlertsDropped counts alerts not delivered to a slow subscriber.
	AlertsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "dropped_total",
		Help:      "Alerts dropped because a subscriber buffer was full.",
	})

	// AlertSubscribers tracks currently connected alert subscribers.
	AlertSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "subscribers",
		Help:      "Number of connected alert stream subscribers.",
	})

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_open_connections",
		Help:      "Number of open database connections.",
	})

	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_in_use_connections",
		Help:      "Number of database connections in use.",
	})

	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "goroutines",
		Help:      "Number of running goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EvaluationsTotal,
		StageDuration,
		CacheLookups,
		TransformFailures,
		RuleOutcomes,
		DownstreamFallbacks,
		CaseTransitions,
		AlertsDropped,
		AlertSubscribers,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// ObserveStage records how long a pipeline stage took since start.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// StartDBStatsCollector periodically samples sql.DBStats and the goroutine
// count into gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
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

// Middleware records request metrics using the chi route pattern as path label.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, statusBucket(ww.Status())).Inc()
	})
}

// Handler returns the Prometheus metrics HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusBucket groups HTTP status codes into classes.
func statusBucket(code int) string {
	if code == 0 {
		code = http.StatusOK
	}
	return strconv.Itoa(code/100) + "xx"
}
