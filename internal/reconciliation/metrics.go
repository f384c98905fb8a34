package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	balanceMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore",
		Subsystem: "reconciliation",
		Name:      "balance_mismatches",
		Help:      "Number of wallet balance mismatches found in last audit run.",
	})

	danglingTransfers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore",
		Subsystem: "reconciliation",
		Name:      "dangling_transfers",
		Help:      "Number of unmatched transfer legs found in last repair run.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paycore",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paycore",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		balanceMismatches,
		danglingTransfers,
		runDuration,
		runErrors,
	)
}
