package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrTenantNotFound means the event names a tenant the engine does
	// not know. These are rejected, never accepted into a default pool.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrRetentionWindowExceeded means occurred_at predates the
	// tenant's retention window.
	ErrRetentionWindowExceeded = errors.New("event older than retention window")

	// ErrTransientDependency signals a dependency outage the caller
	// should retry against, distinct from a rejection of the payload.
	ErrTransientDependency = errors.New("transient dependency failure")
)

// ValidationError describes a malformed event. The field name is
// surfaced to the caller so producers can fix their payloads.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: field %q %s", e.Field, e.Reason)
}

func invalidField(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
