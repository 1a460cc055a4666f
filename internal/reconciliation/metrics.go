package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileFindings = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "azaripay",
		Subsystem: "reconciliation",
		Name:      "findings",
		Help:      "Escrow/trade inconsistencies found in the last reconciliation run, by kind.",
	}, []string{"kind"})

	reconcileChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "azaripay",
		Subsystem: "reconciliation",
		Name:      "escrows_checked",
		Help:      "Held escrows inspected in the last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "azaripay",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "azaripay",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation runs that failed.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileFindings,
		reconcileChecked,
		reconcileDuration,
		reconcileErrors,
	)
}
