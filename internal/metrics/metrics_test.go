package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if queueDepth == nil || admissionOutcomesTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestSchedulerCollectors(t *testing.T) {
	SetQueueDepth("metrics-test", 3)
	if val := testutil.ToFloat64(queueDepth.WithLabelValues("metrics-test")); val != 3 {
		t.Errorf("expected queue depth 3, got %f", val)
	}

	ObserveAdmission("metrics-test", "queued")
	ObserveAdmission("metrics-test", "queued")
	if val := testutil.ToFloat64(admissionOutcomesTotal.WithLabelValues("metrics-test", "queued")); val != 2 {
		t.Errorf("expected 2 queued outcomes, got %f", val)
	}

	ObserveHousekeepingRemovals("metrics-test", 0)
	ObserveHousekeepingRemovals("metrics-test", 2)
	if val := testutil.ToFloat64(housekeepingRemovalsTotal.WithLabelValues("metrics-test")); val != 2 {
		t.Errorf("expected 2 removals, got %f", val)
	}

	ObserveDispatchFailure("metrics-test")
	ObserveSweep("metrics-test", "idle")
	ObserveCallback("metrics-test")
	if val := testutil.ToFloat64(callbacksTotal.WithLabelValues("metrics-test")); val != 1 {
		t.Errorf("expected 1 callback, got %f", val)
	}

	ObserveRateLimited("/crawl")
	if val := testutil.ToFloat64(httpRateLimitedTotal.WithLabelValues("/crawl")); val != 1 {
		t.Errorf("expected 1 rate limited request, got %f", val)
	}
}
