package models

import "time"

// QueueSchemaVersion is the version of the persisted queue layout.
// Bump it when a field changes meaning; additive fields keep the version.
const QueueSchemaVersion = 1

// QueueSnapshot is the persisted representation of the whole operation queue.
type QueueSnapshot struct {
	SchemaVersion int                `json:"schema_version" msgpack:"schema_version"`
	SavedAt       time.Time          `json:"saved_at" msgpack:"saved_at"`
	Records       []*OperationRecord `json:"records" msgpack:"records"`
}

// StorageKey returns the well-known key the queue is stored under.
func (QueueSnapshot) StorageKey() string {
	return "clinicsync:sync_queue"
}
