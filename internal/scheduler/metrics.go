package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	ticksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "otlp_courier_scheduler_ticks_total",
		Help: "Job ticks executed by job name.",
	}, []string{"job"})

	skippedTicksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "otlp_courier_scheduler_skipped_ticks_total",
		Help: "Job ticks skipped because the previous tick was still running.",
	}, []string{"job"})
)

func init() {
	prometheus.MustRegister(ticksTotal)
	prometheus.MustRegister(skippedTicksTotal)
}
