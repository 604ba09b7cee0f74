// Package metrics provides Prometheus instrumentation for the gateway.
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

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "didgate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "didgate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// VerificationsTotal counts quorum verifications by outcome
	// ("authenticated" or "rejected").
	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "didgate",
			Name:      "verifications_total",
			Help:      "Total quorum verifications by outcome.",
		},
		[]string{"outcome"},
	)

	// SignaturesSkippedTotal counts signatures dropped during verification
	// (malformed, unknown key, recovery mismatch).
	SignaturesSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "didgate",
			Name:      "signatures_skipped_total",
			Help:      "Total signatures skipped during quorum verification by reason.",
		},
		[]string{"reason"},
	)

	// RiskDecisionsTotal counts reaction policy decisions by tier.
	RiskDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "didgate",
			Name:      "risk_decisions_total",
			Help:      "Total reaction policy decisions by risk tier.",
		},
		[]string{"tier"},
	)

	// OTPDispatchTotal counts OTP issuance attempts by result.
	OTPDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "didgate",
			Name:      "otp_dispatch_total",
			Help:      "Total OTP dispatch attempts by result.",
		},
		[]string{"result"},
	)

	// AlertDeliveriesTotal counts alert notifier deliveries by result.
	AlertDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "didgate",
			Name:      "alert_deliveries_total",
			Help:      "Total alert deliveries by result.",
		},
		[]string{"result"},
	)

	// ModelTrainingsTotal counts classifier training runs by result.
	ModelTrainingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "didgate",
			Name:      "model_trainings_total",
			Help:      "Total classifier training runs by result.",
		},
		[]string{"result"},
	)

	// SchemaRealignmentsTotal counts live rows whose feature columns had to
	// be realigned to the training schema (train/serve skew indicator).
	SchemaRealignmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "didgate",
			Name:      "schema_realignments_total",
			Help:      "Total scored rows realigned to the frozen training schema.",
		},
	)

	// CorpusRows tracks the current number of rows in the feature corpus.
	CorpusRows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "didgate",
			Name:      "corpus_rows",
			Help:      "Number of rows in the feature corpus.",
		},
	)

	// ActiveFeedClients tracks connected live feed WebSocket clients.
	ActiveFeedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "didgate",
			Name:      "active_feed_clients",
			Help:      "Number of currently connected live feed clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "didgate", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "didgate", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "didgate", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "didgate", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		VerificationsTotal,
		SignaturesSkippedTotal,
		RiskDecisionsTotal,
		OTPDispatchTotal,
		AlertDeliveriesTotal,
		ModelTrainingsTotal,
		SchemaRealignmentsTotal,
		CorpusRows,
		ActiveFeedClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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
