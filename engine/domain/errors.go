package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors of the engine's failure taxonomy.
var (
	// ErrSchema marks an input file that cannot be mapped onto the canonical
	// layout. It aborts the load of that file.
	ErrSchema = errors.New("schema error")
	// ErrIntegrity marks a duplicate primary key. It aborts one record.
	ErrIntegrity = errors.New("integrity error")
	// ErrGeometry marks missing or invalid coordinates. The record is dropped.
	ErrGeometry = errors.New("geometry error")
	// ErrComputation marks an analysis that cannot run, such as an empty graph.
	ErrComputation = errors.New("computation error")
	ErrNotFound    = errors.New("not found")
)

// RecordError wraps a sentinel with the record that caused it.
type RecordError struct {
	Kind  string // "stop", "complaint", "row", ...
	Key   string
	Field string
	Err   error
}

func (e *RecordError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s %q: %s", e.Kind, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %q: %s: %s", e.Kind, e.Key, e.Field, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// NewRecordError creates a RecordError.
func NewRecordError(kind, key, field string, err error) *RecordError {
	return &RecordError{Kind: kind, Key: key, Field: field, Err: err}
}

// SchemaError reports columns missing after format mapping.
func SchemaError(missing []string) error {
	return fmt.Errorf("%w: missing columns %v", ErrSchema, missing)
}
