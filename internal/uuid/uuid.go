// Package uuid provides operation ID generation and validation utilities.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Accepts v4 (random) and v7 (time-ordered) UUIDs in canonical form.
var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[47][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new random UUID v4.
func New() string {
	return uuid.New().String()
}

// NewOperationID generates a time-ordered UUID v7 for a queued operation.
// v7 embeds a millisecond timestamp plus a monotonic sequence, so IDs minted by
// rapid successive enqueues stay unique and sort in creation order.
// Falls back to v4 if the clock source fails.
func NewOperationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Parse parses s and rejects anything but a v4 or v7 UUID.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if v := id.Version(); v != 4 && v != 7 {
		return uuid.Nil, fmt.Errorf("expected UUID v4 or v7, got v%d", v)
	}
	return id, nil
}

// IsValid checks if a string is a valid v4 or v7 UUID.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return uuidRegex.MatchString(s)
}

// Validate returns an error if the string is not a valid operation ID.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid operation ID format: %q", s)
	}
	return nil
}
