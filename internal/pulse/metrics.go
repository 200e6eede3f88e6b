package pulse

import "github.com/prometheus/client_golang/prometheus"

var modeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "otlp_courier_pulse_mode",
	Help: "Active pulse throttle level (1=full .. 5=hibernation).",
})

func init() {
	prometheus.MustRegister(modeGauge)
	modeGauge.Set(float64(ModeFull))
}
