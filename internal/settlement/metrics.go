package settlement

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodian",
		Subsystem: "settlement",
		Name:      "runs_total",
		Help:      "Settlement runs by result (empty, submitted, failed, busy).",
	}, []string{"result"})

	batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "custodian",
		Subsystem: "settlement",
		Name:      "batch_size",
		Help:      "Records included per broadcast batch.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 150, 200},
	})

	backlog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "custodian",
		Subsystem: "settlement",
		Name:      "eligible_backlog",
		Help:      "Eligible pending records seen by the last run, before truncation.",
	})

	statusUpdateFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "custodian",
		Subsystem: "settlement",
		Name:      "status_update_failures_total",
		Help:      "Records broadcast on-chain whose local status could not be updated.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "custodian",
		Subsystem: "settlement",
		Name:      "run_duration_seconds",
		Help:      "Wall time of settlement runs.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(runsTotal, batchSize, backlog, statusUpdateFailures, runDuration)
}
