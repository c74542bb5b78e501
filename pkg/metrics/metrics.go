// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collie",
		Name:      "requests_total",
		Help:      "Requests handled, by operation and result code.",
	}, []string{"op", "result"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collie",
		Name:      "request_duration_seconds",
		Help:      "Request handling latency, by operation.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"op"})

	Epoch = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collie",
		Name:      "epoch",
		Help:      "Current membership epoch.",
	})

	RecoveryRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collie",
		Name:      "recovery_running",
		Help:      "1 while object recovery is in progress.",
	})

	RecoveryObjectsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collie",
		Name:      "recovery_objects_total",
		Help:      "Objects this node must fetch for the current recovery.",
	})

	RecoveryObjectsDone = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collie",
		Name:      "recovery_objects_done",
		Help:      "Objects fetched so far in the current recovery.",
	})

	StoreUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collie",
		Name:      "store_used_bytes",
		Help:      "Bytes consumed by the object store.",
	})
)

// ObserveRequest records one handled request.
func ObserveRequest(op, result string, d time.Duration) {
	RequestsTotal.WithLabelValues(op, result).Inc()
	RequestDuration.WithLabelValues(op).Observe(d.Seconds())
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
