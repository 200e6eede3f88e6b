package pipeline

import "github.com/prometheus/client_golang/prometheus"

var (
	sentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "otlp_courier_pipeline_sent_total",
		Help: "Envelopes accepted by the send path, by kind and route.",
	}, []string{"kind", "route"})

	droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "otlp_courier_pipeline_dropped_total",
		Help: "Envelopes dropped by the send path, by kind and reason.",
	}, []string{"kind", "reason"})

	syncFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "otlp_courier_pipeline_sync_failures_total",
		Help: "Inline deliveries that failed over to the queue, by kind.",
	}, []string{"kind"})

	rejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "otlp_courier_pipeline_rejected_total",
		Help: "Envelopes rejected as structurally invalid.",
	})
)

func init() {
	prometheus.MustRegister(sentTotal)
	prometheus.MustRegister(droppedTotal)
	prometheus.MustRegister(syncFailuresTotal)
	prometheus.MustRegister(rejectedTotal)
}
