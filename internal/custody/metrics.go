package custody

import "github.com/prometheus/client_golang/prometheus"

var (
	intakeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodian",
		Subsystem: "custody",
		Name:      "intake_total",
		Help:      "Custody intake attempts by record type and result.",
	}, []string{"type", "result"})

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodian",
		Subsystem: "custody",
		Name:      "status_transitions_total",
		Help:      "Record status transitions by from and to status.",
	}, []string{"from", "to"})

	returnsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodian",
		Subsystem: "custody",
		Name:      "returns_total",
		Help:      "Prediction return requests by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(intakeTotal, transitionsTotal, returnsTotal)
}
