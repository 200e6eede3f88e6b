package transport

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveryRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "otlp_courier_delivery_requests_total",
		Help: "Total number of delivery requests sent to the collector",
	})

	deliveryErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "otlp_courier_delivery_errors_total",
		Help: "Total number of delivery errors by error type",
	}, []string{"error_type"})

	deliveryBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "otlp_courier_delivery_bytes_total",
		Help: "Total bytes delivered to the collector by compression",
	}, []string{"compression"})

	deliveryDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "otlp_courier_delivery_duration_seconds",
		Help:    "Delivery request duration in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(deliveryRequestsTotal)
	prometheus.MustRegister(deliveryErrorsTotal)
	prometheus.MustRegister(deliveryBytesTotal)
	prometheus.MustRegister(deliveryDurationSeconds)

	deliveryRequestsTotal.Add(0)
}
