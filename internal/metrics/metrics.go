// Package metrics provides Prometheus metrics for the drive server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clouddrive_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clouddrive_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clouddrive_content_bytes_downloaded_total",
			Help: "Total bytes streamed to clients",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clouddrive_content_bytes_uploaded_total",
			Help: "Total bytes accepted from uploads",
		},
	)

	contentDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clouddrive_content_downloads_total",
			Help: "Total number of content downloads",
		},
		[]string{"source", "status"},
	)

	contentUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clouddrive_content_uploads_total",
			Help: "Total number of uploaded files",
		},
		[]string{"status"},
	)

	// Record store metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clouddrive_db_query_duration_seconds",
			Help:    "Record store query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"store", "query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clouddrive_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// Byte store metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clouddrive_storage_operation_duration_seconds",
			Help:    "Byte store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clouddrive_storage_operations_total",
			Help: "Total byte store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clouddrive_auth_attempts_total",
			Help: "Bearer token validations by source and result",
		},
		[]string{"source", "result"},
	)

	// Trash metrics
	trashPurgesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clouddrive_trash_purges_total",
			Help: "Records purged from trash, by byte cleanup outcome",
		},
		[]string{"bytes"},
	)

	// Sharing metrics
	shareLinkResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clouddrive_share_link_resolutions_total",
			Help: "Share link resolutions by outcome",
		},
		[]string{"outcome"},
	)

	shareDownloadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clouddrive_share_downloads_total",
			Help: "Total downloads via share links",
		},
	)

	permissionChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clouddrive_permission_checks_total",
			Help: "Access gate evaluations",
		},
		[]string{"check", "result"},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clouddrive_rate_limit_hits_total",
			Help: "Requests rejected by the public share rate limiter",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clouddrive_sse_connections_active",
			Help: "Number of active event stream subscribers",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clouddrive_sse_events_total",
			Help: "Change events published",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordContentDownload records a download served to an owner, collaborator or link holder.
func RecordContentDownload(source string, bytes int64, success bool) {
	contentDownloadsTotal.WithLabelValues(source, status(success)).Inc()
	if success {
		contentBytesDownloaded.Add(float64(bytes))
	}
}

// RecordContentUpload records one uploaded file.
func RecordContentUpload(bytes int64, success bool) {
	contentUploadsTotal.WithLabelValues(status(success)).Inc()
	if success {
		contentBytesUploaded.Add(float64(bytes))
	}
}

// RecordDBQuery records a record store query duration.
func RecordDBQuery(store, query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(store, query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordStorageOperation records a byte store call.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	storageOperationsTotal.WithLabelValues(backend, operation, status(success)).Inc()
}

// RecordAuthAttempt records a token validation. source is "jwt" or "oidc".
func RecordAuthAttempt(source string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(source, result).Inc()
}

// RecordPurge records a purged record and whether its bytes were removed.
func RecordPurge(bytesDeleted bool) {
	label := "deleted"
	if !bytesDeleted {
		label = "kept"
	}
	trashPurgesTotal.WithLabelValues(label).Inc()
}

// RecordShareResolution records the outcome of a share link lookup.
func RecordShareResolution(outcome string) {
	shareLinkResolutions.WithLabelValues(outcome).Inc()
}

// RecordShareDownload records a download via share link.
func RecordShareDownload() {
	shareDownloadsTotal.Inc()
}

// RecordPermissionCheck records an access gate result.
func RecordPermissionCheck(check string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	permissionChecksTotal.WithLabelValues(check, result).Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// SetSSEConnectionsActive sets the number of event stream subscribers.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records a published change event.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request metrics labelled by the matched route pattern,
// so ids and tokens in URLs do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
