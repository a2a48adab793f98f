// Package models tests for data model definitions.
package models

import (
	"testing"
	"time"
)

// =====================================================
// OperationKind Tests
// =====================================================

// TestParseOperationKind verifies kind parsing is case-insensitive.
func TestParseOperationKind(t *testing.T) {
	tests := []struct {
		input   string
		want    OperationKind
		wantErr bool
	}{
		{"create", KindCreate, false},
		{"Create", KindCreate, false},
		{" UPDATE ", KindUpdate, false},
		{"delete", KindDelete, false},
		{"upsert", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseOperationKind(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseOperationKind(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseOperationKind(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

// TestOperationKind_Valid verifies the known kinds.
func TestOperationKind_Valid(t *testing.T) {
	for _, k := range []OperationKind{KindCreate, KindUpdate, KindDelete} {
		if !k.Valid() {
			t.Errorf("%q.Valid() = false, want true", k)
		}
	}
	if OperationKind("patch").Valid() {
		t.Error(`"patch".Valid() = true, want false`)
	}
}

// =====================================================
// State Machine Tests
// =====================================================

// TestOperationState_CanTransition verifies the full transition table.
func TestOperationState_CanTransition(t *testing.T) {
	states := []OperationState{StatePending, StateInFlight, StateSucceeded, StateFailed}
	allowed := map[OperationState]map[OperationState]bool{
		StatePending:  {StateInFlight: true},
		StateInFlight: {StateSucceeded: true, StatePending: true, StateFailed: true},
	}

	for _, from := range states {
		for _, to := range states {
			want := allowed[from][to]
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s = %v, want %v", from, to, got, want)
			}
		}
	}
}

// TestOperationState_Terminal verifies terminal states.
func TestOperationState_Terminal(t *testing.T) {
	if StatePending.Terminal() || StateInFlight.Terminal() {
		t.Error("pending and in_flight must not be terminal")
	}
	if !StateSucceeded.Terminal() || !StateFailed.Terminal() {
		t.Error("succeeded and failed must be terminal")
	}
}

// =====================================================
// OperationRecord Tests
// =====================================================

// TestOperationRecord_Clone verifies clones do not alias the payload.
func TestOperationRecord_Clone(t *testing.T) {
	failedAt := time.Now()
	rec := &OperationRecord{
		ID:       "op-1",
		Payload:  map[string]interface{}{"name": "Ana"},
		FailedAt: &failedAt,
	}

	c := rec.Clone()
	c.Payload["name"] = "Bia"
	*c.FailedAt = failedAt.Add(time.Hour)

	if rec.Payload["name"] != "Ana" {
		t.Errorf("original payload mutated: %v", rec.Payload["name"])
	}
	if !rec.FailedAt.Equal(failedAt) {
		t.Error("original FailedAt mutated")
	}
}

// TestOperationRecord_DocumentID verifies id extraction from payloads.
func TestOperationRecord_DocumentID(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]interface{}
		want    string
		ok      bool
	}{
		{"string id", map[string]interface{}{"id": "p-1"}, "p-1", true},
		{"json number id", map[string]interface{}{"id": float64(42)}, "42", true},
		{"int id", map[string]interface{}{"id": 7}, "7", true},
		{"empty id", map[string]interface{}{"id": ""}, "", false},
		{"missing id", map[string]interface{}{"name": "Ana"}, "", false},
		{"nil payload", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &OperationRecord{Payload: tt.payload}
			got, ok := rec.DocumentID()
			if got != tt.want || ok != tt.ok {
				t.Errorf("DocumentID() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

// =====================================================
// PassSummary Tests
// =====================================================

// TestPassSummary_Notable verifies when a pass warrants a notification.
func TestPassSummary_Notable(t *testing.T) {
	if (PassSummary{Retried: 2}).Notable() {
		t.Error("a pass with only retries should not be notable")
	}
	if !(PassSummary{Succeeded: 1}).Notable() {
		t.Error("a pass with successes should be notable")
	}
	if !(PassSummary{Failed: 1}).Notable() {
		t.Error("a pass with permanent failures should be notable")
	}
}

// TestPassSummary_Ran verifies skipped passes are detected.
func TestPassSummary_Ran(t *testing.T) {
	if (PassSummary{Skipped: SkipOffline}).Ran() {
		t.Error("skipped pass reported as ran")
	}
	start := time.Now()
	p := PassSummary{StartedAt: start, FinishedAt: start.Add(time.Second)}
	if !p.Ran() {
		t.Error("executed pass reported as skipped")
	}
	if p.Duration() != time.Second {
		t.Errorf("Duration() = %v, want 1s", p.Duration())
	}
}
