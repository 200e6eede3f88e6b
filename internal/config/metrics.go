package config

import "github.com/prometheus/client_golang/prometheus"

var reloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "otlp_courier_config_reloads_total",
	Help: "Config hot-reload attempts by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(reloadsTotal)
	reloadsTotal.WithLabelValues("ok").Add(0)
	reloadsTotal.WithLabelValues("error").Add(0)
}
