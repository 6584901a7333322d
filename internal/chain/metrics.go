package chain

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	readOnlyCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodian",
		Subsystem: "ledger",
		Name:      "read_only_calls_total",
		Help:      "Read-only contract calls by function and outcome.",
	}, []string{"function", "outcome"})

	readOnlyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "custodian",
		Subsystem: "ledger",
		Name:      "read_only_call_duration_seconds",
		Help:      "Latency of read-only calls including retries.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"function"})

	broadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodian",
		Subsystem: "ledger",
		Name:      "broadcasts_total",
		Help:      "Transaction broadcasts by outcome (ok, fee_retry_ok, error, retry_error).",
	}, []string{"outcome"})

	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodian",
		Subsystem: "ledger",
		Name:      "cache_lookups_total",
		Help:      "Metadata cache lookups by bucket and result.",
	}, []string{"bucket", "result"})
)

func init() {
	prometheus.MustRegister(readOnlyCalls, readOnlyDuration, broadcasts, cacheLookups)
}

func observeCall(function string) func() {
	start := time.Now()
	return func() {
		readOnlyDuration.WithLabelValues(function).Observe(time.Since(start).Seconds())
	}
}
