package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dashboard",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dashboard",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dashboard",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	clientRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dashboard",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Total number of backend API requests, by outcome.",
		},
		[]string{"outcome"},
	)

	clientRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dashboard",
			Subsystem: "client",
			Name:      "retries_total",
			Help:      "Total number of backoff retries across all requests.",
		},
	)

	sessionRefreshes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dashboard",
			Subsystem: "client",
			Name:      "session_refreshes_total",
			Help:      "Total number of token refresh grants executed.",
		},
	)

	rateLimitRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dashboard",
			Subsystem: "client",
			Name:      "rate_limit_rejections_total",
			Help:      "Requests refused locally before any network I/O.",
		},
	)

	storeMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dashboard",
			Subsystem: "store",
			Name:      "mutations_total",
			Help:      "Entity upserts and removals applied to the store.",
		},
		[]string{"kind", "op"},
	)

	storeMalformed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dashboard",
			Subsystem: "store",
			Name:      "malformed_events_total",
			Help:      "Push events and snapshot rows dropped as unusable.",
		},
	)

	portfolioUSD = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dashboard",
			Subsystem: "store",
			Name:      "portfolio_usd",
			Help:      "Current USD value across all wallets.",
		},
	)

	realtimeEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dashboard",
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Update events delivered over the realtime channel.",
		},
	)

	realtimeReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dashboard",
			Subsystem: "realtime",
			Name:      "reconnects_total",
			Help:      "Realtime reconnects, each followed by a snapshot resync.",
		},
	)

	workflowRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dashboard",
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Workflow runs, by workflow and terminal status.",
		},
		[]string{"workflow", "status"},
	)

	workflowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dashboard",
			Subsystem: "workflow",
			Name:      "run_duration_seconds",
			Help:      "Duration of workflow runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"workflow"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		clientRequests,
		clientRetries,
		sessionRefreshes,
		rateLimitRejections,
		storeMutations,
		storeMalformed,
		portfolioUSD,
		realtimeEvents,
		realtimeReconnects,
		workflowRuns,
		workflowDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordClientRequest records the outcome of one backend API call.
func RecordClientRequest(outcome string) {
	clientRequests.WithLabelValues(outcome).Inc()
}

// RecordClientRetry counts one backoff retry.
func RecordClientRetry() { clientRetries.Inc() }

// RecordSessionRefresh counts one executed refresh grant.
func RecordSessionRefresh() { sessionRefreshes.Inc() }

// RecordRateLimitRejection counts one locally refused request.
func RecordRateLimitRejection() { rateLimitRejections.Inc() }

// RecordStoreMutation counts one entity mutation.
func RecordStoreMutation(kind, op string) {
	storeMutations.WithLabelValues(kind, op).Inc()
}

// RecordMalformedEvent counts one dropped event or snapshot row.
func RecordMalformedEvent() { storeMalformed.Inc() }

// SetPortfolioUSD publishes the current portfolio aggregate.
func SetPortfolioUSD(v float64) { portfolioUSD.Set(v) }

// RecordRealtimeEvent counts one delivered update event.
func RecordRealtimeEvent() { realtimeEvents.Inc() }

// RecordRealtimeReconnect counts one channel reconnect.
func RecordRealtimeReconnect() { realtimeReconnects.Inc() }

// RecordWorkflowRun records a finished workflow run.
func RecordWorkflowRun(workflow, status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	workflowRuns.WithLabelValues(workflow, status).Inc()
	workflowDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "history":
		if len(parts) > 1 {
			return "/history/:kind"
		}
		return "/history"
	case "workflows":
		if len(parts) > 1 {
			return "/workflows/" + parts[1]
		}
		return "/workflows"
	default:
		return "/" + parts[0]
	}
}
