package wallet

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OpsTotal counts wallet ledger operations by type.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Name:      "wallet_operations_total",
			Help:      "Total wallet ledger operations by type.",
		},
		[]string{"type"},
	)

	// OpDuration observes operation latency by type.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paycore",
			Name:      "wallet_operation_duration_seconds",
			Help:      "Wallet ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// lowBalanceEvents counts debits that left a wallet under its
	// configured low-balance threshold.
	lowBalanceEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Name:      "wallet_low_balance_events_total",
			Help:      "Debits that left a wallet below its low-balance threshold.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OpsTotal,
		OpDuration,
		lowBalanceEvents,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	OpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		OpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
