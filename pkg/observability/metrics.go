package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the registry
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Blob store metrics
	BlobOperationsTotal   *prometheus.CounterVec
	BlobOperationDuration *prometheus.HistogramVec
	BlobBytesWritten      prometheus.Counter

	// Metadata store metrics
	MetadataOperationsTotal *prometheus.CounterVec
	MetadataErrorsTotal     *prometheus.CounterVec

	// Publish pipeline metrics
	PublishTotal          *prometheus.CounterVec
	PublishDuration       prometheus.Histogram
	PublishArchiveBytes   prometheus.Histogram
	UploadSessionsExpired prometheus.Counter

	// Download metrics
	DownloadsTotal *prometheus.CounterVec

	// Upstream proxy metrics
	ProxyFetchesTotal    *prometheus.CounterVec
	ProxyCacheHitsTotal  *prometheus.CounterVec
	ProxyFetchDuration   *prometheus.HistogramVec
	ProxySingleflightDup prometheus.Counter

	// Webhook metrics
	WebhookDeliveriesTotal  *prometheus.CounterVec
	WebhookDeliveryDuration prometheus.Histogram
	WebhookQueueDepth       prometheus.Gauge

	// Rate limiting
	RateLimitedTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repub_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "repub_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "repub_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		BlobOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repub_blob_operations_total",
				Help: "Total number of blob store operations",
			},
			[]string{"operation", "backend", "status"},
		),
		BlobOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "repub_blob_operation_duration_seconds",
				Help:    "Blob store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),
		BlobBytesWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "repub_blob_bytes_written_total",
				Help: "Total bytes written to the blob store",
			},
		),

		MetadataOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repub_metadata_operations_total",
				Help: "Total number of metadata store operations",
			},
			[]string{"operation", "backend"},
		),
		MetadataErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repub_metadata_errors_total",
				Help: "Total number of metadata store errors",
			},
			[]string{"operation", "backend"},
		),

		PublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repub_publish_total",
				Help: "Total number of publish attempts",
			},
			[]string{"status"},
		),
		PublishDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "repub_publish_duration_seconds",
				Help:    "End-to-end publish pipeline duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		PublishArchiveBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "repub_publish_archive_bytes",
				Help:    "Size of published archives in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
			},
		),
		UploadSessionsExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "repub_upload_sessions_expired_total",
				Help: "Total number of upload sessions that expired unused",
			},
		),

		DownloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repub_downloads_total",
				Help: "Total number of archive downloads",
			},
			[]string{"namespace"},
		),

		ProxyFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repub_proxy_fetches_total",
				Help: "Total number of upstream fetches",
			},
			[]string{"kind", "status"},
		),
		ProxyCacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repub_proxy_cache_hits_total",
				Help: "Total number of proxy cache hits",
			},
			[]string{"kind"},
		),
		ProxyFetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "repub_proxy_fetch_duration_seconds",
				Help:    "Upstream fetch duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		ProxySingleflightDup: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "repub_proxy_singleflight_shared_total",
				Help: "Requests that attached to an in-flight upstream fetch",
			},
		),

		WebhookDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repub_webhook_deliveries_total",
				Help: "Total number of webhook delivery attempts",
			},
			[]string{"event", "status"},
		),
		WebhookDeliveryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "repub_webhook_delivery_duration_seconds",
				Help:    "Webhook delivery duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		WebhookQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "repub_webhook_queue_depth",
				Help: "Number of webhook events waiting for dispatch",
			},
		),

		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repub_rate_limited_total",
				Help: "Total number of requests rejected by rate limiting",
			},
			[]string{"limiter"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.BlobOperationsTotal,
		m.BlobOperationDuration,
		m.BlobBytesWritten,
		m.MetadataOperationsTotal,
		m.MetadataErrorsTotal,
		m.PublishTotal,
		m.PublishDuration,
		m.PublishArchiveBytes,
		m.UploadSessionsExpired,
		m.DownloadsTotal,
		m.ProxyFetchesTotal,
		m.ProxyCacheHitsTotal,
		m.ProxyFetchDuration,
		m.ProxySingleflightDup,
		m.WebhookDeliveriesTotal,
		m.WebhookDeliveryDuration,
		m.WebhookQueueDepth,
		m.RateLimitedTotal,
	)

	return m
}

// Handler returns the promhttp handler for the given registry
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response status and size for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// HTTPMiddleware instruments a handler with request metrics. The path label
// uses the route template, not the raw URL, to bound cardinality.
func (m *Metrics) HTTPMiddleware(routeLabel func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			path := routeLabel(r)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(elapsed.Seconds())
			m.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rec.bytes))
		})
	}
}
