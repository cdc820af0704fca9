package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "credits",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credits",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "credits",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)

	ledgerMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credits",
			Subsystem: "ledger",
			Name:      "mutations_total",
			Help:      "Ledger mutations by operation and outcome.",
		},
		[]string{"operation", "result"},
	)

	ledgerCredits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credits",
			Subsystem: "ledger",
			Name:      "credits_total",
			Help:      "Credits moved by transaction kind.",
		},
		[]string{"kind"},
	)

	ledgerRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "credits",
			Subsystem: "ledger",
			Name:      "conflict_retries_total",
			Help:      "Ledger statements retried after a serialization or deadlock failure.",
		},
	)

	entitlementChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credits",
			Subsystem: "entitlement",
			Name:      "checks_total",
			Help:      "Entitlement gate decisions by feature and reason.",
		},
		[]string{"feature", "reason"},
	)

	rateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credits",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limiter decisions by tier and outcome.",
		},
		[]string{"tier", "allowed"},
	)

	adminActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "credits",
			Subsystem: "admin",
			Name:      "actions_total",
			Help:      "Administrative moderation calls by action and outcome.",
		},
		[]string{"action", "success"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ledgerMutations,
		ledgerCredits,
		ledgerRetries,
		entitlementChecks,
		rateLimitDecisions,
		adminActions,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
// Routes are labelled by their chi pattern to keep cardinality bounded.
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

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func RecordLedgerMutation(operation, result string) {
	ledgerMutations.WithLabelValues(operation, result).Inc()
}

func RecordCredits(kind string, amount int64) {
	ledgerCredits.WithLabelValues(kind).Add(float64(amount))
}

func RecordLedgerRetry() {
	ledgerRetries.Inc()
}

func RecordEntitlementCheck(feature, reason string) {
	if reason == "" {
		reason = "allowed"
	}
	entitlementChecks.WithLabelValues(feature, reason).Inc()
}

func RecordRateLimitDecision(tier string, allowed bool) {
	rateLimitDecisions.WithLabelValues(tier, strconv.FormatBool(allowed)).Inc()
}

func RecordAdminAction(action string, success bool) {
	adminActions.WithLabelValues(action, strconv.FormatBool(success)).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps streaming responses working behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
