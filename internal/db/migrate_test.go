// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestMigrator_Up verifies steps are applied and recorded.
func TestMigrator_Up(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db)

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != steps[len(steps)-1].version {
		t.Errorf("CurrentVersion() = %d, want %d", version, steps[len(steps)-1].version)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != len(steps) {
		t.Fatalf("applied = %d, want %d", len(applied), len(steps))
	}
	if applied[0].Description != "kv_store" {
		t.Errorf("Description = %q, want kv_store", applied[0].Description)
	}
	if len(applied[0].Checksum) != 64 {
		t.Errorf("Checksum length = %d, want 64", len(applied[0].Checksum))
	}
}

// TestMigrator_UpIdempotent verifies a second Up is a no-op.
func TestMigrator_UpIdempotent(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db)

	if err := m.Up(); err != nil {
		t.Fatalf("first Up() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("second Up() failed: %v", err)
	}
}

// TestMigrator_ChecksumMismatch verifies an edited applied step is rejected.
func TestMigrator_ChecksumMismatch(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db)
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	m.steps = []step{{version: 1, description: "kv_store", sql: "SELECT 1;"}}
	err := m.Up()
	if err == nil {
		t.Fatal("Up() should fail on checksum mismatch")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("error = %v, want checksum mismatch", err)
	}
}

// TestMigrator_FailedStepRollsBack verifies a broken step leaves no record.
func TestMigrator_FailedStepRollsBack(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db)
	m.steps = []step{{version: 1, description: "broken", sql: "CREATE TABLE ("}}

	if err := m.Up(); err == nil {
		t.Fatal("Up() should fail for invalid SQL")
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}
