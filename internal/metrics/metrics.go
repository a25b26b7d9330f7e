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
			Name: "pulse_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_notifications_sent_total",
			Help: "Notifications accepted for delivery by category and priority",
		},
		[]string{"category", "priority"},
	)

	channelDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_channel_deliveries_total",
			Help: "Per-channel delivery outcomes",
		},
		[]string{"channel", "outcome"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_delivery_latency_seconds",
			Help:    "Time from send request to channel delivery",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	dedupHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_dedup_hits_total",
			Help: "Sends suppressed by the deduplication cache",
		},
	)

	quietHoursDeferrals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_quiet_hours_deferrals_total",
			Help: "Deliveries deferred to the end of a quiet-hours window",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_rate_limit_rejections_total",
			Help: "Sends rejected by the per-recipient rate limiter",
		},
		[]string{"tenant_id"},
	)

	escalationStepsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_escalation_steps_fired_total",
			Help: "Escalation steps executed by action",
		},
		[]string{"action"},
	)

	escalationsCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_escalations_cancelled_total",
			Help: "Escalation chains cancelled by read or dismiss",
		},
	)

	batchRecipientsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_batch_recipients_processed_total",
			Help: "Batch fan-out recipients processed by outcome",
		},
		[]string{"outcome"},
	)

	scheduledJobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_scheduled_jobs_processed_total",
			Help: "Durable scheduled jobs processed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	batchesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_batches_in_flight",
			Help: "Batches currently processing",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordNotificationSent records an accepted send.
func RecordNotificationSent(category, priority string) {
	notificationsSent.WithLabelValues(category, priority).Inc()
}

// RecordChannelDelivery records one channel's delivery outcome.
func RecordChannelDelivery(channel, outcome string) {
	channelDeliveries.WithLabelValues(channel, outcome).Inc()
}

// RecordDeliveryLatency records request-to-delivery time for a channel.
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordDedupHit records a send suppressed by the dedup cache.
func RecordDedupHit() {
	dedupHits.Inc()
}

// RecordQuietHoursDeferral records a delivery deferred by quiet hours.
func RecordQuietHoursDeferral() {
	quietHoursDeferrals.Inc()
}

// RecordRateLimitRejection records a per-recipient rate limit rejection.
func RecordRateLimitRejection(tenantID string) {
	rateLimitRejections.WithLabelValues(tenantID).Inc()
}

// RecordEscalationStep records an executed escalation step.
func RecordEscalationStep(action string) {
	escalationStepsFired.WithLabelValues(action).Inc()
}

// RecordEscalationCancelled records a cancelled escalation chain.
func RecordEscalationCancelled() {
	escalationsCancelled.Inc()
}

// RecordBatchRecipient records one batch recipient outcome.
func RecordBatchRecipient(outcome string) {
	batchRecipientsProcessed.WithLabelValues(outcome).Inc()
}

// RecordScheduledJob records a processed scheduled job.
func RecordScheduledJob(kind, outcome string) {
	scheduledJobsProcessed.WithLabelValues(kind, outcome).Inc()
}

// BatchStarted and BatchFinished track the in-flight gauge.
func BatchStarted()  { batchesInFlight.Inc() }
func BatchFinished() { batchesInFlight.Dec() }

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
