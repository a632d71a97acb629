package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type journalMetrics struct {
	recorded *prometheus.CounterVec
	failures *prometheus.CounterVec
}

var (
	journalMetricsOnce sync.Once
	journalRegistry    *journalMetrics
)

// Journal returns the metrics registry tracking the persisted event journal.
func Journal() *journalMetrics {
	journalMetricsOnce.Do(func() {
		journalRegistry = &journalMetrics{
			recorded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stabilityd",
				Subsystem: "journal",
				Name:      "events_total",
				Help:      "Count of pool events written to the journal segmented by type.",
			}, []string{"type"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stabilityd",
				Subsystem: "journal",
				Name:      "failures_total",
				Help:      "Count of pool events the journal failed to persist.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(journalRegistry.recorded, journalRegistry.failures)
	})
	return journalRegistry
}

func normalizeEventType(eventType string) string {
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// RecordEvent increments the journal counter for the supplied event type.
func (m *journalMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.recorded.WithLabelValues(normalizeEventType(eventType)).Inc()
}

// RecordFailure counts an event the journal could not persist.
func (m *journalMetrics) RecordFailure(eventType string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(normalizeEventType(eventType)).Inc()
}
