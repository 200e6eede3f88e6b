package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	cyclesSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "otlp_courier_worker_cycles_skipped_total",
		Help: "Delivery cycles skipped by gate reason.",
	}, []string{"reason"})

	exhaustedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "otlp_courier_worker_items_exhausted_total",
		Help: "Items that exhausted their delivery attempt cap, by kind.",
	}, []string{"kind"})

	queueDepthAfterCycle = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "otlp_courier_worker_queue_depth",
		Help: "Pending queue depth observed at the end of a delivery cycle.",
	})
)

func init() {
	prometheus.MustRegister(cyclesSkippedTotal)
	prometheus.MustRegister(exhaustedTotal)
	prometheus.MustRegister(queueDepthAfterCycle)
	cyclesSkippedTotal.WithLabelValues("breaker_open").Add(0)
}
