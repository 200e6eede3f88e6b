package ratelimit

import "github.com/prometheus/client_golang/prometheus"

var batchSizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "otlp_courier_batch_size",
	Help: "Batch size computed for the most recent delivery cycle.",
})

func init() {
	prometheus.MustRegister(batchSizeGauge)
}
