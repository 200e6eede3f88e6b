package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	enqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "otlp_courier_queue_enqueued_total",
		Help: "Total envelopes enqueued by kind",
	}, []string{"kind"})

	processedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "otlp_courier_queue_processed_total",
		Help: "Total queue items marked processed",
	})

	failedAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "otlp_courier_queue_failed_attempts_total",
		Help: "Total failed delivery attempts recorded",
	})

	claimsLostTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "otlp_courier_queue_claims_lost_total",
		Help: "Total claim races lost to a concurrent worker",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "otlp_courier_queue_depth",
		Help: "Pending (unprocessed, below attempt cap) queue items",
	})
)

func init() {
	prometheus.MustRegister(enqueuedTotal)
	prometheus.MustRegister(processedTotal)
	prometheus.MustRegister(failedAttemptsTotal)
	prometheus.MustRegister(claimsLostTotal)
	prometheus.MustRegister(queueDepth)

	processedTotal.Add(0)
	failedAttemptsTotal.Add(0)
	claimsLostTotal.Add(0)
	queueDepth.Set(0)
}
