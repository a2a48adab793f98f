// Package sync assembles the queue, executor and scheduler into the engine the UI talks to.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/clinicsync/backend/internal/models"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/events"
	"github.com/kimhsiao/clinicsync/backend/internal/sync/storage"
)

// SyncEngineInterface defines the operations exposed to UI layers.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Enqueue records a write and returns its operation ID. It never fails and never
	// waits on the network; any pass it starts runs in the background.
	Enqueue(kind models.OperationKind, collection string, payload map[string]interface{}) string

	// TriggerSync starts a background pass if one can run and reports whether it did.
	TriggerSync(reason string) bool

	// FlushNow runs one pass immediately and returns its summary.
	FlushNow(ctx context.Context) models.PassSummary

	// Status returns the aggregate read model.
	Status() models.SyncStatus

	// CleanupStaleFailures purges failed records older than the retention window.
	CleanupStaleFailures() int

	// ClearQueue removes every record. The outcome of a write in flight is discarded.
	ClearQueue() int

	// RetryFailed re-enqueues a failed record under a new ID.
	RetryFailed(id string) (string, error)

	// Discard removes one record that is not being written.
	Discard(id string) error

	// Operations returns a snapshot of the queue in FIFO order.
	Operations() []*models.OperationRecord

	// FailedOperations returns the history of permanently failed writes.
	FailedOperations() []storage.FailedOperation

	// PendingByCollection counts outstanding records per collection.
	PendingByCollection() map[string]int

	// ReportConnectivity feeds a platform connectivity signal.
	ReportConnectivity(online bool)

	// SetSyncInterval changes the periodic trigger interval.
	SetSyncInterval(d time.Duration)

	// Subscribe registers an event handler and returns its unsubscribe function.
	Subscribe(fn events.Handler) (unsubscribe func())
}

var _ SyncEngineInterface = (*SyncEngine)(nil)
