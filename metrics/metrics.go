package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// upload results
const (
	ResultStored      = "stored"
	ResultRejected    = "rejected"
	ResultFailed      = "failed"
	ResultRateLimited = "rate_limited"
)

type Metrics struct {
	registry *prometheus.Registry

	UploadsTotal    *prometheus.CounterVec
	UploadBytes     prometheus.Histogram
	RequestDuration *prometheus.HistogramVec
	QueuedJobsTotal *prometheus.CounterVec
}

// New registers the service collectors, plus the Go runtime and process
// collectors, on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		UploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "danphoto_uploads_total",
			Help: "Total number of upload attempts by result",
		}, []string{"result"}),
		UploadBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "danphoto_upload_size_bytes",
			Help:    "Size of stored photos in bytes",
			Buckets: prometheus.ExponentialBuckets(16*1024, 4, 8),
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "danphoto_http_request_duration_seconds",
			Help:    "Histogram for the request duration in seconds",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2, 5},
		}, []string{"method", "route", "status"}),
		QueuedJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "danphoto_processing_jobs_queued_total",
			Help: "Derived-asset jobs queued by task type",
		}, []string{"task"}),
	}
}

// Handler returns an http.Handler for Prometheus scraping
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveUpload(result string, size int64) {
	m.UploadsTotal.WithLabelValues(result).Inc()
	if result == ResultStored {
		m.UploadBytes.Observe(float64(size))
	}
}

// Middleware records request durations labelled by the matched chi route, so
// photo names never become label values.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}
