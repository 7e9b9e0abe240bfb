package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	alertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_alerts_created_total",
			Help: "Total crisis alerts created by severity and kind",
		},
		[]string{"severity", "kind"},
	)

	alertsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_alerts_closed_total",
			Help: "Total crisis alerts closed by final status",
		},
		[]string{"status"},
	)

	tiersEscalated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_tiers_escalated_total",
			Help: "Total tier escalations by severity and reason",
		},
		[]string{"severity", "reason"},
	)

	deliveriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_deliveries_processed_total",
			Help: "Total queue items processed by outcome and channel",
		},
		[]string{"outcome", "channel"},
	)

	responsesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_responses_recorded_total",
			Help: "Total supporter responses by type",
		},
		[]string{"type"},
	)

	firstResponderLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_first_responder_latency_seconds",
			Help:    "Time from alert creation to first responder claim",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	opsEscalations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_ops_escalations_total",
			Help: "Alerts escalated to ops because no recipients resolved",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"caller"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAlertCreated records a new crisis alert
func RecordAlertCreated(severity, kind string) {
	alertsCreated.WithLabelValues(severity, kind).Inc()
}

// RecordAlertClosed records an alert reaching a terminal status
func RecordAlertClosed(status string) {
	alertsClosed.WithLabelValues(status).Inc()
}

// RecordTierEscalated records a tier fan-out
func RecordTierEscalated(severity, reason string) {
	tiersEscalated.WithLabelValues(severity, reason).Inc()
}

// RecordDeliveryProcessed records a queue item outcome
func RecordDeliveryProcessed(outcome, channel string) {
	deliveriesProcessed.WithLabelValues(outcome, channel).Inc()
}

// RecordResponse records a supporter response
func RecordResponse(responseType string) {
	responsesRecorded.WithLabelValues(responseType).Inc()
}

// RecordFirstResponderLatency records time to first responder claim
func RecordFirstResponderLatency(latency time.Duration) {
	firstResponderLatency.Observe(latency.Seconds())
}

// RecordOpsEscalation records an alert handed to ops
func RecordOpsEscalation() {
	opsEscalations.Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(caller string) {
	rateLimitRejections.WithLabelValues(caller).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
