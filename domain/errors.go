package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an operation targets an id that is not in
	// the local cache.
	ErrNotFound = errors.New("entity not found")
	// ErrNoTargetScope is returned when a column removal asks to move its
	// tasks but no other column exists.
	ErrNoTargetScope = errors.New("no other column to move tasks to")
	ErrUnknownKind   = errors.New("unknown entity kind")
	ErrInvalidOrder  = errors.New("ordered ids do not match scope")
	ErrNotOrdered    = errors.New("collection is not ordered")
	ErrClosed        = errors.New("queue closed")
	// ErrSuperseded is returned by a refresh that was cancelled by a newer one.
	ErrSuperseded = errors.New("refresh superseded")
)

// TransportError reports that a batch or fetch call did not complete. The
// affected operations are always retried.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: remote returned status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectionError reports that the server answered ok=false for a single
// operation. It is surfaced on the entity and never retried automatically.
type RejectionError struct {
	ID      EntityID
	OpID    string
	Type    OpType
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s %s rejected: %s", e.Type, e.ID, e.Message)
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
