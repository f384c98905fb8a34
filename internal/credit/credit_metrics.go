package credit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/freightdesk/paycore/internal/metrics"
)

var (
	// OpsTotal counts credit ledger operations by type.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Name:      "credit_operations_total",
			Help:      "Total credit ledger operations by type.",
		},
		[]string{"type"},
	)

	// OpDuration observes operation latency by type.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paycore",
			Name:      "credit_operation_duration_seconds",
			Help:      "Credit ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// overdueCharges counts interest and fee rows created by the sweep.
	overdueCharges = metrics.OverdueChargesTotal
)

func init() {
	prometheus.MustRegister(
		OpsTotal,
		OpDuration,
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
