// Package models provides data model definitions for the ClinicSync core.
package models

import (
	"fmt"
	"strings"
	"time"
)

// OperationKind is the kind of write an operation performs against a remote collection.
type OperationKind string

const (
	KindCreate OperationKind = "create"
	KindUpdate OperationKind = "update"
	KindDelete OperationKind = "delete"
)

// Valid reports whether k is one of the known kinds.
func (k OperationKind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete:
		return true
	}
	return false
}

// ParseOperationKind parses a kind name, accepting any letter case.
func ParseOperationKind(s string) (OperationKind, error) {
	switch OperationKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindCreate:
		return KindCreate, nil
	case KindUpdate:
		return KindUpdate, nil
	case KindDelete:
		return KindDelete, nil
	}
	return "", fmt.Errorf("unknown operation kind %q", s)
}

// OperationState is the lifecycle state of a queued operation.
type OperationState string

const (
	StatePending   OperationState = "pending"
	StateInFlight  OperationState = "in_flight"
	StateSucceeded OperationState = "succeeded"
	StateFailed    OperationState = "failed"
)

// CanTransition reports whether moving from s to next is a legal state change.
//
//	pending   -> in_flight
//	in_flight -> succeeded | pending | failed
//
// succeeded and failed are terminal; failed records leave the queue only by purge.
func (s OperationState) CanTransition(next OperationState) bool {
	switch s {
	case StatePending:
		return next == StateInFlight
	case StateInFlight:
		return next == StateSucceeded || next == StatePending || next == StateFailed
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s OperationState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// OperationRecord is one pending write against one remote collection.
type OperationRecord struct {
	ID            string                 `json:"id" msgpack:"id"`
	Kind          OperationKind          `json:"kind" msgpack:"kind"`
	Collection    string                 `json:"collection" msgpack:"collection"`
	Payload       map[string]interface{} `json:"payload" msgpack:"payload"`
	EnqueuedAt    time.Time              `json:"enqueued_at" msgpack:"enqueued_at"`
	Attempts      int                    `json:"attempts" msgpack:"attempts"`
	State         OperationState         `json:"state" msgpack:"state"`
	LastError     string                 `json:"last_error,omitempty" msgpack:"last_error,omitempty"`
	NextAttemptAt time.Time              `json:"next_attempt_at" msgpack:"next_attempt_at"`
	FailedAt      *time.Time             `json:"failed_at,omitempty" msgpack:"failed_at,omitempty"`
}

// Clone returns a copy of r that shares no mutable state with it.
// Payload maps are copied one level deep; nested values are treated as immutable.
func (r *OperationRecord) Clone() *OperationRecord {
	c := *r
	if r.Payload != nil {
		c.Payload = make(map[string]interface{}, len(r.Payload))
		for k, v := range r.Payload {
			c.Payload[k] = v
		}
	}
	if r.FailedAt != nil {
		t := *r.FailedAt
		c.FailedAt = &t
	}
	return &c
}

// DocumentID returns the identifying key carried in the payload, if any.
// Updates and deletes address a document through its "id" field.
func (r *OperationRecord) DocumentID() (string, bool) {
	if r.Payload == nil {
		return "", false
	}
	switch v := r.Payload["id"].(type) {
	case string:
		return v, v != ""
	case float64:
		return fmt.Sprintf("%.0f", v), true
	case int:
		return fmt.Sprintf("%d", v), true
	case int64:
		return fmt.Sprintf("%d", v), true
	case nil:
		return "", false
	default:
		return fmt.Sprintf("%v", v), true
	}
}
