package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestNew_registersCollectors verifies every collector lands on the registry.
func TestNew_registersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveOperation(ResultSucceeded, "patients")
	m.ObservePass(time.Second)
	m.ObserveSkip("offline")
	m.SetQueueDepth(2, 1)
	m.PersistenceFailed()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) != 6 {
		t.Errorf("registered families = %d, want 6", len(families))
	}
}

// TestObserveOperation verifies the counter labels.
func TestObserveOperation(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveOperation(ResultSucceeded, "patients")
	m.ObserveOperation(ResultSucceeded, "patients")
	m.ObserveOperation(ResultFailed, "appointments")

	if got := testutil.ToFloat64(m.OperationsProcessed.WithLabelValues(ResultSucceeded, "patients")); got != 2 {
		t.Errorf("succeeded/patients = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.OperationsProcessed.WithLabelValues(ResultFailed, "appointments")); got != 1 {
		t.Errorf("failed/appointments = %v, want 1", got)
	}
}

// TestSetQueueDepth verifies gauges reflect the latest value.
func TestSetQueueDepth(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetQueueDepth(5, 2)
	m.SetQueueDepth(3, 1)

	if got := testutil.ToFloat64(m.QueueBacklog); got != 3 {
		t.Errorf("QueueBacklog = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.QueueFailed); got != 1 {
		t.Errorf("QueueFailed = %v, want 1", got)
	}
}

// TestNilMetrics verifies a nil receiver is a no-op.
func TestNilMetrics(t *testing.T) {
	var m *Metrics

	// Should not panic
	m.ObserveOperation(ResultSucceeded, "patients")
	m.ObservePass(time.Second)
	m.ObserveSkip("offline")
	m.SetQueueDepth(1, 1)
	m.PersistenceFailed()
}

// TestNew_nilRegisterer verifies a private registry is used.
func TestNew_nilRegisterer(t *testing.T) {
	a := New(nil)
	b := New(nil)
	if a == nil || b == nil {
		t.Fatal("New(nil) returned nil")
	}
}
