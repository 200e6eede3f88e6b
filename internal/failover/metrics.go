package failover

import "github.com/prometheus/client_golang/prometheus"

var (
	modeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "otlp_courier_processing_mode",
		Help: "Current processing mode (0=agent primary, 1=local fallback).",
	})

	agentHealthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "otlp_courier_agent_health",
		Help: "Primary agent health (0=healthy, 1=degraded, 2=dead, 3=unknown).",
	})

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "otlp_courier_mode_transitions_total",
		Help: "Processing mode transitions by from/to mode and trigger reason.",
	}, []string{"from", "to", "reason"})
)

func init() {
	prometheus.MustRegister(modeGauge)
	prometheus.MustRegister(agentHealthGauge)
	prometheus.MustRegister(transitionsTotal)
}
