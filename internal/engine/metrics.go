package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	runsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "labforge_runs_in_flight",
			Help: "Number of IaC subprocess runs currently executing.",
		},
	)

	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labforge_operations_total",
			Help: "Finished operations by kind and final status.",
		},
		[]string{"kind", "status"},
	)
)

func init() {
	prometheus.MustRegister(runsInFlight)
	prometheus.MustRegister(operationsTotal)
}
