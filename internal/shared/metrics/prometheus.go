package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Event relay metrics
	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "motech_events_published_total",
			Help: "Total number of events published to the relay",
		},
		[]string{"transport", "subject"},
	)

	eventsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "motech_events_handled_total",
			Help: "Total number of events delivered to listeners",
		},
		[]string{"listener", "result"},
	)

	// Module metrics
	smsMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "motech_sms_messages_total",
			Help: "Total number of SMS send attempts by outcome",
		},
		[]string{"status"},
	)

	smsDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "motech_sms_delivery_duration_seconds",
			Help:    "SMS gateway round trip duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	openmrsRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "motech_openmrs_requests_total",
			Help: "Total number of OpenMRS REST calls",
		},
		[]string{"method", "status"},
	)

	openmrsRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "motech_openmrs_request_duration_seconds",
			Help:    "OpenMRS REST call duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method"},
	)

	mdsOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "motech_mds_operations_total",
			Help: "Total number of MDS data service operations",
		},
		[]string{"entity", "operation"},
	)

	historyRevisions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "motech_mds_history_revisions_total",
			Help: "Total number of MDS history revisions recorded",
		},
	)

	pillRemindersSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "motech_pillreminder_reminders_total",
			Help: "Total number of pill reminder events emitted",
		},
	)

	milestoneAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "motech_scheduletracking_alerts_total",
			Help: "Total number of milestone alerts emitted",
		},
		[]string{"window"},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := routePattern(r)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routePattern labels requests by chi route template so ids don't explode
// label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if len(r.URL.Path) > 100 {
		return "/api/..."
	}
	return r.URL.Path
}

// --- Module metric helpers ---

func RecordEventPublished(transport, subject string) {
	eventsPublished.WithLabelValues(transport, subject).Inc()
}

func RecordEventHandled(listener string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	eventsHandled.WithLabelValues(listener, result).Inc()
}

// RecordSMS records an SMS outcome: "sent", "retry" or "failed".
func RecordSMS(status string, duration time.Duration) {
	smsMessages.WithLabelValues(status).Inc()
	if duration > 0 {
		smsDeliveryDuration.Observe(duration.Seconds())
	}
}

func RecordOpenMRSRequest(method string, status int, duration time.Duration) {
	openmrsRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	openmrsRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RecordMDSOperation(entity, operation string) {
	mdsOperations.WithLabelValues(entity, operation).Inc()
}

func RecordHistoryRevision() {
	historyRevisions.Inc()
}

func RecordPillReminder() {
	pillRemindersSent.Inc()
}

func RecordMilestoneAlert(window string) {
	milestoneAlerts.WithLabelValues(window).Inc()
}

func RecordDBQuery(operation string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
