package idempotency

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gitwithintent/gwi/core"
)

// Metrics holds the idempotency counters, broken down by event source.
// They export through any Prometheus registry in the standard text format.
type Metrics struct {
	ChecksTotal         *prometheus.CounterVec
	NewRequests         *prometheus.CounterVec
	DuplicatesSkipped   *prometheus.CounterVec
	ProcessingConflicts *prometheus.CounterVec
	LockRecoveries      *prometheus.CounterVec
	CompletedTotal      *prometheus.CounterVec
	FailedTotal         *prometheus.CounterVec
	TTLCleanups         prometheus.Counter
}

// NewMetrics builds and registers the counters on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests pass a fresh
// registry so parallel tests do not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gwi",
			Subsystem: "idempotency",
			Name:      name,
			Help:      help,
		}, []string{"source"})
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		ChecksTotal:         counter("checks_total", "Idempotency admission checks performed."),
		NewRequests:         counter("new_requests_total", "Checks admitted as new, including lock recoveries."),
		DuplicatesSkipped:   counter("duplicates_skipped_total", "Duplicate deliveries answered from cache."),
		ProcessingConflicts: counter("processing_conflicts_total", "Checks deferred behind a live processing lock."),
		LockRecoveries:      counter("lock_recoveries_total", "Expired processing locks reclaimed."),
		CompletedTotal:      counter("completed_total", "Handler executions settled as completed."),
		FailedTotal:         counter("failed_total", "Handler executions settled as failed."),
		TTLCleanups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gwi",
			Subsystem: "idempotency",
			Name:      "ttl_cleanups_total",
			Help:      "Expired records removed by cleanup sweeps.",
		}),
	}
	reg.MustRegister(m.TTLCleanups)
	return m
}

func (m *Metrics) observeCheck(source core.EventSource, result *CheckResult) {
	if m == nil {
		return
	}
	s := string(source)
	m.ChecksTotal.WithLabelValues(s).Inc()
	switch result.Outcome {
	case OutcomeNew:
		m.NewRequests.WithLabelValues(s).Inc()
		if result.Recovered {
			m.LockRecoveries.WithLabelValues(s).Inc()
		}
	case OutcomeProcessing:
		m.ProcessingConflicts.WithLabelValues(s).Inc()
	case OutcomeDuplicate:
		m.DuplicatesSkipped.WithLabelValues(s).Inc()
	}
}

func (m *Metrics) observeSettled(source core.EventSource, failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.FailedTotal.WithLabelValues(string(source)).Inc()
		return
	}
	m.CompletedTotal.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) observeCleanup(deleted int) {
	if m == nil || deleted <= 0 {
		return
	}
	m.TTLCleanups.Add(float64(deleted))
}
