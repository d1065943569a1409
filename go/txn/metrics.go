package txn

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors the shape of go/network/metrics.go: a small struct of
// pre-registered collectors, constructed once and passed down rather than
// relying on the global default registry.
type Metrics struct {
	AttemptsStarted  prometheus.Counter
	AttemptsCommitted prometheus.Counter
	AttemptsRolledBack prometheus.Counter
	AttemptsFailed   prometheus.Counter
	RetryBackoffSeconds prometheus.Histogram
}

// NewMetrics builds and registers a Metrics set against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var m = &Metrics{
		AttemptsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txncoord", Subsystem: "attempt", Name: "started_total",
			Help: "Number of transaction attempts started.",
		}),
		AttemptsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txncoord", Subsystem: "attempt", Name: "committed_total",
			Help: "Number of transaction attempts that reached COMPLETED.",
		}),
		AttemptsRolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txncoord", Subsystem: "attempt", Name: "rolled_back_total",
			Help: "Number of transaction attempts that reached ROLLED_BACK.",
		}),
		AttemptsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txncoord", Subsystem: "attempt", Name: "failed_total",
			Help: "Number of transaction attempts that terminated in a non-recoverable failure.",
		}),
		RetryBackoffSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "txncoord", Subsystem: "retry", Name: "backoff_seconds",
			Help:    "Observed jittered backoff delays.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.AttemptsStarted, m.AttemptsCommitted, m.AttemptsRolledBack, m.AttemptsFailed, m.RetryBackoffSeconds)
	}
	return m
}
