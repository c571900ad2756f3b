package download

import "github.com/prometheus/client_golang/prometheus"

var (
	downloadsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "download",
			Name:      "started_total",
			Help:      "Total model downloads started (excludes idempotent fast paths)",
		},
	)

	downloadsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "download",
			Name:      "completed_total",
			Help:      "Total model downloads completed successfully",
		},
	)

	downloadsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "download",
			Name:      "failed_total",
			Help:      "Total model downloads failed, by error kind",
		},
		[]string{"kind"},
	)

	downloadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Total bytes fetched from the remote repository",
		},
	)

	cleanupsRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "download",
			Name:      "cleanup_removed_total",
			Help:      "Total incomplete model directories removed by cleanup",
		},
	)
)

func init() {
	prometheus.MustRegister(downloadsStarted, downloadsCompleted, downloadsFailed, downloadBytes, cleanupsRemoved)
}
