// Package uuid provides unit tests for ID generation and validation.
package uuid

import (
	"sort"
	"sync"
	"testing"
)

// TestNew tests that New() generates valid UUID v4 strings.
func TestNew(t *testing.T) {
	id := New()

	if id == "" {
		t.Fatal("Expected non-empty UUID string")
	}
	if !IsValid(id) {
		t.Errorf("Generated UUID is not valid: %s", id)
	}
	if id[14] != '4' {
		t.Errorf("Expected version nibble 4, got %c", id[14])
	}
}

// TestNewOperationID tests v7 generation.
func TestNewOperationID(t *testing.T) {
	id := NewOperationID()

	if !IsValid(id) {
		t.Fatalf("Generated operation ID is not valid: %s", id)
	}
	if id[14] != '7' {
		t.Errorf("Expected version nibble 7, got %c", id[14])
	}
}

// TestNewOperationID_ordered tests that sequential IDs sort in creation order.
func TestNewOperationID_ordered(t *testing.T) {
	ids := make([]string, 500)
	for i := range ids {
		ids[i] = NewOperationID()
	}

	if !sort.StringsAreSorted(ids) {
		t.Error("Sequential operation IDs should be lexically ordered")
	}
}

// TestNewOperationID_concurrentUniqueness tests uniqueness under concurrent generation.
func TestNewOperationID_concurrentUniqueness(t *testing.T) {
	const workers = 16
	const perWorker = 250

	var mu sync.Mutex
	seen := make(map[string]bool, workers*perWorker)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := NewOperationID()
				mu.Lock()
				if seen[id] {
					t.Errorf("Duplicate operation ID generated: %s", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Errorf("Expected %d unique IDs, got %d", workers*perWorker, len(seen))
	}
}

// TestIsValid tests accepted and rejected formats.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		uuid string
		want bool
	}{
		{"valid UUID v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"valid UUID v7", "01890a5d-ac96-774b-bcce-b302099a8057", true},
		{"valid uppercase", "6BA7B810-9DAD-41D1-80B4-00C04FD430C8", true},
		{"UUID v1", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", false},
		{"bad variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", false},
		{"empty string", "", false},
		{"too short", "f47ac10b-58cc-4372-a567", false},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.uuid); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.uuid, got, tt.want)
			}
		})
	}
}

// TestParse tests version checking on parse.
func TestParse(t *testing.T) {
	if _, err := Parse(NewOperationID()); err != nil {
		t.Errorf("Parse(v7) error = %v", err)
	}
	if _, err := Parse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"); err == nil {
		t.Error("Parse(v1) should fail")
	}
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Error("Parse(garbage) should fail")
	}
}

// TestValidate tests the error-returning form.
func TestValidate(t *testing.T) {
	if err := Validate(New()); err != nil {
		t.Errorf("Validate(New()) error = %v", err)
	}
	if err := Validate("bogus"); err == nil {
		t.Error("Validate(bogus) should fail")
	}
}
