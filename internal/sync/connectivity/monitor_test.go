package connectivity

import (
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMonitor_AssumeOnline(t *testing.T) {
	if !NewMonitor(true, nil).IsOnline() {
		t.Error("IsOnline() = false, want true before any report")
	}
	if NewMonitor(false, nil).IsOnline() {
		t.Error("IsOnline() = true, want false before any report")
	}
}

// TestMonitor_Dedup verifies listeners fire once per transition.
func TestMonitor_Dedup(t *testing.T) {
	m := NewMonitor(true, nil)
	var online, offline int32
	m.OnOnline(func() { atomic.AddInt32(&online, 1) })
	m.OnOffline(func() { atomic.AddInt32(&offline, 1) })

	m.Report(true) // same as assumed state
	m.Report(false)
	m.Report(false)
	m.Report(true)
	m.Report(true)

	if online != 1 || offline != 1 {
		t.Errorf("online = %d, offline = %d; want 1, 1", online, offline)
	}
	if !m.Known() {
		t.Error("Known() = false after reports")
	}
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := NewMonitor(false, nil)
	var calls int32
	unsubscribe := m.OnOnline(func() { atomic.AddInt32(&calls, 1) })

	m.Report(true)
	unsubscribe()
	unsubscribe() // idempotent
	m.Report(false)
	m.Report(true)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

// TestMonitor_ListenerPanic verifies a panicking listener does not stop the others.
func TestMonitor_ListenerPanic(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	m := NewMonitor(false, zap.New(core))

	var calls int32
	m.OnOnline(func() { panic("boom") })
	m.OnOnline(func() { atomic.AddInt32(&calls, 1) })

	m.Report(true)

	if calls != 1 {
		t.Errorf("surviving listener calls = %d, want 1", calls)
	}
	if logs.FilterMessage("connectivity listener panicked").Len() != 1 {
		t.Errorf("expected one panic log, got %d", logs.Len())
	}
	if !m.IsOnline() {
		t.Error("IsOnline() = false after report")
	}
}

func TestMonitor_ReportUnknown(t *testing.T) {
	m := NewMonitor(true, nil)
	m.Report(false)
	m.ReportUnknown()
	if !m.IsOnline() {
		t.Error("ReportUnknown() should apply the online assumption")
	}
}

// TestMonitor_ListenerMayReport verifies listeners can call back into the monitor.
func TestMonitor_ListenerMayReport(t *testing.T) {
	m := NewMonitor(false, nil)
	m.OnOnline(func() { _ = m.IsOnline() })
	m.Report(true)
}
