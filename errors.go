package graphstore

import (
	"errors"
	"fmt"
)

// Sentinel errors for store, commit and query failures.
// These can be used with errors.Is() for error handling.
var (
	// ErrModelMismatch indicates the stored model differs from the one passed to
	// Open and automatic migration is disabled.
	ErrModelMismatch = errors.New("graphstore: stored model does not match")

	// ErrMigrationRequired indicates the stored model differs and the mapping
	// between the two models cannot be inferred automatically.
	ErrMigrationRequired = errors.New("graphstore: migration required")

	// ErrStoreClosed indicates the store has been closed or failed to load.
	ErrStoreClosed = errors.New("graphstore: store closed")

	// ErrConstraintViolation indicates a staged object failed validation or a
	// database constraint.
	ErrConstraintViolation = errors.New("graphstore: constraint violation")

	// ErrObjectDeleted indicates a staged change targets a row that no longer
	// exists.
	ErrObjectDeleted = errors.New("graphstore: object deleted")

	// ErrReadOnly indicates a write against a store opened read-only.
	ErrReadOnly = errors.New("graphstore: store is read-only")

	// ErrUnknownEntity indicates an entity name the model does not declare.
	ErrUnknownEntity = errors.New("graphstore: unknown entity")

	// ErrInvalidRef indicates a string that is not a formatted object reference.
	ErrInvalidRef = errors.New("graphstore: invalid object reference")

	// ErrUnknownAttribute indicates an attribute name the entity does not declare.
	ErrUnknownAttribute = errors.New("graphstore: unknown attribute")

	// ErrUnknownRelationship indicates a relationship name the entity does not declare.
	ErrUnknownRelationship = errors.New("graphstore: unknown relationship")

	// ErrInvalidPredicate indicates a predicate that failed to compile or evaluate.
	ErrInvalidPredicate = errors.New("graphstore: invalid predicate")

	// ErrSessionClosed indicates a Session used after its task returned.
	ErrSessionClosed = errors.New("graphstore: session used outside its task")

	// ErrContextClosed indicates work submitted to a closed Context.
	ErrContextClosed = errors.New("graphstore: context closed")

	// ErrWaitOnMainLine indicates WaitForMerges was called from a main Context
	// task while merges were pending. Those merges need the main line to run.
	ErrWaitOnMainLine = errors.New("graphstore: cannot wait for merges on the main context")
)

// StoreError reports a failure to open or load a store.
type StoreError struct {
	// Op is the failing step, for example "open", "load" or "migrate".
	Op string

	// Location is the store location passed to Open.
	Location string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Location == "" {
		return fmt.Sprintf("graphstore: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("graphstore: %s %s: %v", e.Op, e.Location, e.Err)
}

// Unwrap implements error unwrapping for errors.Is() and errors.As().
func (e *StoreError) Unwrap() error {
	return e.Err
}

// CommitError reports a failed commit or batch delete. Staged changes are kept
// when a commit fails, so the caller may fix the cause and retry.
type CommitError struct {
	// Context is the name of the acting Context.
	Context string

	// Op is "commit" or "batch delete".
	Op string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *CommitError) Error() string {
	return fmt.Sprintf("graphstore: %s on %s: %v", e.Op, e.Context, e.Err)
}

// Unwrap implements error unwrapping for errors.Is() and errors.As().
func (e *CommitError) Unwrap() error {
	return e.Err
}

// QueryError reports a failed read.
type QueryError struct {
	// Entity is the queried entity.
	Entity string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	return fmt.Sprintf("graphstore: query %s: %v", e.Entity, e.Err)
}

// Unwrap implements error unwrapping for errors.Is() and errors.As().
func (e *QueryError) Unwrap() error {
	return e.Err
}

// IsConstraintViolation returns true if err reports a failed validation or
// database constraint.
//
// Example usage:
//
//	if err := session.Commit(); graphstore.IsConstraintViolation(err) {
//	    session.Reset()
//	}
func IsConstraintViolation(err error) bool {
	return errors.Is(err, ErrConstraintViolation)
}

// IsStoreError returns true if err is a load or open failure.
func IsStoreError(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr)
}
