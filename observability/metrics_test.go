package observability

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAPIMetricsObserve(t *testing.T) {
	m := APIMetrics()
	before := testutil.ToFloat64(m.errors.WithLabelValues("/v1/offsets", http.MethodPost, "409"))
	m.Observe("/v1/offsets", http.MethodPost, http.StatusConflict, 5*time.Millisecond)
	m.Observe("", "", http.StatusOK, time.Millisecond)
	if got := testutil.ToFloat64(m.errors.WithLabelValues("/v1/offsets", http.MethodPost, "409")); got != before+1 {
		t.Fatalf("expected error counter to advance, got %v (before %v)", got, before)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("unmatched", "unknown", "success")); got < 1 {
		t.Fatalf("expected unmatched request to be counted, got %v", got)
	}
	m.RecordThrottle("")
	if got := testutil.ToFloat64(m.throttles.WithLabelValues("unspecified")); got < 1 {
		t.Fatalf("expected throttle counter, got %v", got)
	}
}

func TestJournalMetricsNormaliseTypes(t *testing.T) {
	m := Journal()
	before := testutil.ToFloat64(m.recorded.WithLabelValues("stability.offset"))
	m.RecordEvent(" Stability.Offset ")
	if got := testutil.ToFloat64(m.recorded.WithLabelValues("stability.offset")); got != before+1 {
		t.Fatalf("expected normalised counter to advance, got %v", got)
	}
	m.RecordFailure("")
	if got := testutil.ToFloat64(m.failures.WithLabelValues("unknown")); got < 1 {
		t.Fatalf("expected failure counter, got %v", got)
	}
	var nilMetrics *journalMetrics
	nilMetrics.RecordEvent("ignored")
}
