package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "unikey"

// Write outcomes recorded in unikey_writes_total.
const (
	outcomeCommitted = "committed"
	outcomeConflict  = "conflict"
	outcomeTransient = "transient"
	outcomeError     = "error"
)

// Metrics holds the Prometheus collectors of the write path. A nil *Metrics records
// nothing.
type Metrics struct {
	writes          *prometheus.CounterVec
	rollbacks       *prometheus.CounterVec
	releaseFailures prometheus.Counter
}

// NewMetrics registers the collectors on reg. A nil reg returns nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &Metrics{
		writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "writes_total",
			Help:      "Document writes by operation and outcome.",
		}, []string{"op", "outcome"}),
		rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rollbacks_total",
			Help:      "Writes whose unique key reservations were rolled back.",
		}, []string{"op"}),
		releaseFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "release_failures_total",
			Help:      "Unique key tuples that could not be released after a committed write.",
		}),
	}
}

func (m *Metrics) observeWrite(op Op, outcome string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(op.String(), outcome).Inc()
}

func (m *Metrics) observeRollback(op Op) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(op.String()).Inc()
}

func (m *Metrics) observeReleaseFailure() {
	if m == nil {
		return
	}
	m.releaseFailures.Inc()
}
