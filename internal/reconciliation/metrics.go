package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	receiptChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodian",
		Subsystem: "reconciliation",
		Name:      "receipt_checks_total",
		Help:      "Receipt status derivations by resulting status.",
	}, []string{"status"})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "custodian",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Receipt checks or record updates that failed during sync.",
	})

	submittedBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "custodian",
		Subsystem: "reconciliation",
		Name:      "submitted_records",
		Help:      "Submitted predict records seen by the last sync.",
	})

	recordsResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodian",
		Subsystem: "reconciliation",
		Name:      "records_resolved_total",
		Help:      "Records moved to a terminal status by sync.",
	}, []string{"status"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "custodian",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation syncs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)

func init() {
	prometheus.MustRegister(
		receiptChecks,
		reconcileErrors,
		submittedBacklog,
		recordsResolved,
		reconcileDuration,
	)
}

func statusLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
