package breaker

import "github.com/prometheus/client_golang/prometheus"

var (
	stateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "otlp_courier_breaker_state",
		Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open).",
	})

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "otlp_courier_breaker_transitions_total",
		Help: "Circuit breaker state transitions by from/to state.",
	}, []string{"from", "to"})
)

func init() {
	prometheus.MustRegister(stateGauge)
	prometheus.MustRegister(transitionsTotal)

	stateGauge.Set(0)
	for _, from := range []string{"closed", "open", "half-open"} {
		for _, to := range []string{"closed", "open", "half-open"} {
			if from != to {
				transitionsTotal.WithLabelValues(from, to).Add(0)
			}
		}
	}
}
