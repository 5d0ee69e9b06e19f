package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by lookups when no row matches the identifier.
	ErrNotFound = errors.New("not found")
	// ErrInvalidPayload is wrapped when a sensor payload is not a JSON object.
	ErrInvalidPayload = errors.New("invalid sensor payload")
)

// SchemaError reports that the schema could not be created or the database
// could not be reached at all.
type SchemaError struct {
	Err error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error: %v", e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// PersistenceError reports a failed write or read against the store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ReferenceError reports an analysis result pointing at a snapshot that does
// not exist.
type ReferenceError struct {
	SnapshotID int64
	Err        error
}

func (e *ReferenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sensor snapshot %d does not exist: %v", e.SnapshotID, e.Err)
	}
	return fmt.Sprintf("sensor snapshot %d does not exist", e.SnapshotID)
}

func (e *ReferenceError) Unwrap() error { return e.Err }
