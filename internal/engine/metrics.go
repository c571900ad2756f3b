package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "loads_total",
			Help:      "Total engine loads, by runtime mode",
		},
		[]string{"mode"},
	)

	fallbackLoadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "fallback_loads_total",
			Help:      "Total loads that entered fallback mode",
		},
	)

	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "generations_total",
			Help:      "Total generation calls, by runtime mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	retriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "retries_total",
			Help:      "Total generation retry attempts",
		},
	)

	recoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "recoveries_total",
			Help:      "Total recovery attempts, by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(loadsTotal, fallbackLoadsTotal, generationsTotal, retriesTotal, recoveriesTotal)
}
