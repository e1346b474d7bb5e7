package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates that no task exists for the requested owner/id pair.
var ErrNotFound = errors.New("task not found")

// ErrConflict indicates that an insert collided with an existing task id.
var ErrConflict = errors.New("task id conflict")

// ErrStoreUnavailable indicates a transient infrastructure failure in the
// underlying storage, distinct from a missing entity.
var ErrStoreUnavailable = errors.New("storage unavailable")

// ValidationError reports a client-correctable problem with request input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
