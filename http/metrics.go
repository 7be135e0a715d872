package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"trafficflow/ml"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficflow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"handler", "method", "code"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trafficflow_http_request_duration_seconds",
			Help:    "Histogram of response latency (seconds) for HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)
	predictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficflow_predictions_total",
			Help: "Predictions served, by kind",
		},
		[]string{"kind"},
	)
	retrainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trafficflow_retrain_duration_seconds",
			Help:    "Wall time of retrain requests",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
	)
	bundlesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficflow_bundles_published_total",
			Help: "Model bundles made live, by source",
		},
		[]string{"source"},
	)
	bundleTrainedAt = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trafficflow_bundle_trained_timestamp_seconds",
			Help: "Training time of the live bundle",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		predictionsTotal,
		retrainDuration,
		bundlesPublished,
		bundleTrainedAt,
	)
}

func instrument(handlerName string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)
		httpRequestsTotal.WithLabelValues(handlerName, r.Method, strconv.Itoa(ww.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(handlerName, r.Method).Observe(time.Since(start).Seconds())
	})
}

func recordPublish(ev ml.BundleEvent) {
	bundlesPublished.WithLabelValues(ev.Source).Inc()
	bundleTrainedAt.Set(float64(ev.TrainedAt.Unix()))
}
