package state

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricStoreOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsnew_store_operations_total",
		Help: "The total number of store operations",
	}, []string{"backend", "op", "status"})

	metricStoreDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "whatsnew_store_operation_duration_seconds",
		Help:    "Latency of store operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "op"})

	metricRejectedItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsnew_store_rejected_items_total",
		Help: "The total number of entries rejected by a store backend",
	}, []string{"backend"})
)

func observe(backend, op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metricStoreOps.WithLabelValues(backend, op, status).Inc()
	metricStoreDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

func observeBatch(backend string, start time.Time, result BatchResult, err error) {
	observe(backend, "upsert_batch", start, err)
	if n := len(result.Rejected); n > 0 {
		metricRejectedItems.WithLabelValues(backend).Add(float64(n))
	}
}
